package middleware

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"WxPayGateway/internal/model"
	"WxPayGateway/pkg/errors"
	"WxPayGateway/pkg/logger"
	"WxPayGateway/pkg/response"
)

// RecoverConfig recover 中间件配置
type RecoverConfig struct {
	// 是否启用堆栈追踪
	EnableStackTrace bool
	// 生产环境不返回 panic 详情
	IsProduction bool
	// 这些前缀下的路由按平台通知协议应答：HTTP 200 + {"code":"FAIL"}
	AckPathPrefixes []string
	// 严重错误回调函数（可用于发送告警）
	OnSevereError func(ctx context.Context, c *app.RequestContext, err interface{}, stack []byte)
}

func NewRecoverConfig(isProduction bool) RecoverConfig {
	return RecoverConfig{
		EnableStackTrace: true,
		IsProduction:     isProduction,
		AckPathPrefixes:  []string{"/notify/", "/wechatpay/notify/"},
	}
}

// RecoverMiddleware 创建 recover 中间件
func RecoverMiddleware(config RecoverConfig) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		defer func() {
			if err := recover(); err != nil {
				handlePanic(ctx, c, err, config)
			}
		}()

		c.Next(ctx)
	}
}

func handlePanic(ctx context.Context, c *app.RequestContext, err interface{}, config RecoverConfig) {
	var stack []byte
	if config.EnableStackTrace {
		stack = getStackTrace()
	}

	logPanicWithRequest(ctx, c, err, stack)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(fmt.Errorf("panic: %v", err))
		span.SetStatus(codes.Error, "panic recovered")
	}

	if config.OnSevereError != nil && isSeverePanic(err) {
		config.OnSevereError(ctx, c, err, stack)
	}

	writeErrorResponse(ctx, c, err, stack, config)
}

// writeErrorResponse 通知路由决不能吞掉异常，必须回 FAIL 让平台重推
func writeErrorResponse(ctx context.Context, c *app.RequestContext, err interface{}, stack []byte, config RecoverConfig) {
	c.Abort()

	path := string(c.Path())
	for _, prefix := range config.AckPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			c.JSON(consts.StatusOK, model.AckFail("处理失败"))
			return
		}
	}

	errDef := errors.Definition{
		Code:    "INTERNAL_SERVER_ERROR",
		Message: "服务器内部错误，请稍后重试",
	}
	if config.IsProduction {
		response.Error(ctx, c, errDef)
		return
	}

	details := map[string]interface{}{
		"panic":     fmt.Sprintf("%v", err),
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if len(stack) > 0 {
		details["stack"] = string(stack)
	}
	response.ErrorWithDetails(ctx, c, errDef, details)
}

// getStackTrace 当前 goroutine 的调用栈，跳过 runtime 帧
func getStackTrace() []byte {
	var buf bytes.Buffer
	buf.WriteString("goroutine panic:\n")

	for i := 3; ; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil || strings.HasPrefix(fn.Name(), "runtime.") {
			continue
		}
		fmt.Fprintf(&buf, "  %s:%d\n    %s\n", file, line, fn.Name())
	}

	return buf.Bytes()
}

func logPanicWithRequest(ctx context.Context, c *app.RequestContext, err interface{}, stack []byte) {
	fields := []zap.Field{
		zap.String("panic", fmt.Sprintf("%v", err)),
		zap.String("path", string(c.Path())),
		zap.String("method", string(c.Method())),
		zap.String("client_ip", c.ClientIP()),
	}

	requestID := string(c.GetHeader("X-Request-ID"))
	if requestID == "" {
		requestID = string(c.GetHeader("Request-ID"))
	}
	fields = append(fields, zap.String("request_id", requestID))

	if caller, exists := GetCaller(ctx, c); exists {
		fields = append(fields, zap.String("caller", caller))
	}

	// 通知只记录序列号，报文是密文，不落日志
	if serial := c.Request.Header.Get("Platform-Serial"); serial != "" {
		fields = append(fields, zap.String("serial", serial))
	} else if serial := c.Request.Header.Get("Wechatpay-Serial"); serial != "" {
		fields = append(fields, zap.String("serial", serial))
	}

	if len(stack) > 0 {
		fields = append(fields, zap.ByteString("stack", stack))
	}

	logger.Logger.Error("[PANIC RECOVERED]", fields...)
}

// isSeverePanic 判断是否为严重错误
func isSeverePanic(err interface{}) bool {
	if err == nil {
		return false
	}

	errStr := fmt.Sprintf("%v", err)
	severePatterns := []string{
		"runtime: out of memory",
		"fatal error:",
		"concurrent map writes",
		"concurrent map read and map write",
		"index out of range",
		"slice bounds out of range",
		"invalid memory address or nil pointer dereference",
	}

	for _, pattern := range severePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
