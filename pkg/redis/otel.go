package redis

import (
	"context"
	stderrors "errors"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingHook go-redis 追踪 Hook，只记录命令名和首个键
type TracingHook struct {
	tracer trace.Tracer
	attrs  []attribute.KeyValue
}

func NewTracingHook(serviceName string, db int) *TracingHook {
	return &TracingHook{
		tracer: otel.Tracer(serviceName + ".redis"),
		attrs: []attribute.KeyValue{
			semconv.DBSystemRedis,
			semconv.DBRedisDBIndex(db),
		},
	}
}

func (h *TracingHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h *TracingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		ctx, span := h.tracer.Start(ctx, "redis."+cmd.Name(),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(h.attrs...),
			trace.WithAttributes(semconv.DBOperation(cmd.Name())),
		)
		defer span.End()

		if key := firstKey(cmd.Args()); key != "" {
			span.SetAttributes(attribute.String("db.redis.key", key))
		}

		err := next(ctx, cmd)
		recordError(span, err)
		return err
	}
}

func (h *TracingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		ctx, span := h.tracer.Start(ctx, "redis.pipeline",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(h.attrs...),
			trace.WithAttributes(attribute.Int("db.redis.pipeline_length", len(cmds))),
		)
		defer span.End()

		err := next(ctx, cmds)
		recordError(span, err)
		return err
	}
}

func recordError(span trace.Span, err error) {
	if err == nil || stderrors.Is(err, redis.Nil) {
		return
	}
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
}

// EVAL/EVALSHA 的键在第 3 个参数
func firstKey(args []interface{}) string {
	idx := 1
	if len(args) > 0 {
		if name, ok := args[0].(string); ok && (name == "eval" || name == "evalsha") {
			idx = 3
		}
	}
	if len(args) <= idx {
		return ""
	}
	key, _ := args[idx].(string)
	return key
}

// InstrumentClient 为客户端挂载追踪 Hook
func InstrumentClient(client *redis.Client, serviceName string, db int) {
	client.AddHook(NewTracingHook(serviceName, db))
}
