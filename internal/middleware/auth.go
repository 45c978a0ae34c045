package middleware

import (
	"context"
	"fmt"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/jwt"

	"WxPayGateway/pkg/errors"
	"WxPayGateway/pkg/token"
)

const (
	IdentityKey = token.IdentityKey
)

var (
	authMiddleware *jwt.HertzJWTMiddleware
)

func initAuthMiddleware() error {
	// 使用 token 包中共享的生成器
	sharedGenerator := token.GetGenerator()
	if sharedGenerator == nil {
		return fmt.Errorf("token generator not initialized, call token.Init() first")
	}

	mw, err := jwt.New(&jwt.HertzJWTMiddleware{
		Realm:       "wxpay-gateway",
		Key:         sharedGenerator.Key,
		Timeout:     sharedGenerator.Timeout,
		IdentityKey: sharedGenerator.IdentityKey,
		TimeFunc:    sharedGenerator.TimeFunc,

		IdentityHandler: func(ctx context.Context, c *app.RequestContext) interface{} {
			claims := jwt.ExtractClaims(ctx, c)
			caller, ok := claims[IdentityKey].(string)
			if !ok || caller == "" {
				return nil
			}
			return caller
		},

		// 只接受 token 包签发的调用方 token
		Authorizator: func(data interface{}, ctx context.Context, c *app.RequestContext) bool {
			caller, ok := data.(string)
			return ok && caller != ""
		},

		Unauthorized: func(ctx context.Context, c *app.RequestContext, code int, message string) {
			c.JSON(code, map[string]interface{}{
				"error": map[string]interface{}{
					"code":    errors.Unauthorized.Code,
					"message": message,
				},
			})
		},

		TokenLookup:   "header: Authorization",
		TokenHeadName: "Bearer",
	})
	if err != nil {
		return fmt.Errorf("failed to build auth middleware: %w", err)
	}

	authMiddleware = mw
	return nil
}

func AuthMiddleware() app.HandlerFunc {
	if authMiddleware == nil {
		panic("AuthMiddleware not initialized, call Init() first")
	}
	return authMiddleware.MiddlewareFunc()
}

// GetCaller 从请求上下文中获取调用方服务名
func GetCaller(ctx context.Context, c *app.RequestContext) (string, bool) {
	caller, exists := c.Get(IdentityKey)
	if !exists {
		return "", false
	}

	id, ok := caller.(string)
	if !ok {
		return "", false
	}

	return id, true
}
