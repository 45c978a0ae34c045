package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics OpenTelemetry 指标集合
// 所有 Record 方法对 nil 接收者安全，未初始化时直接忽略
type OTelMetrics struct {
	// 通知相关指标
	NotifyReceivedTotal metric.Int64Counter
	NotifyRejectedTotal metric.Int64Counter
	NotifyDuration      metric.Float64Histogram

	// 转发相关指标
	DispatchOutcomeTotal metric.Int64Counter
	ForwardDuration      metric.Float64Histogram
	RedeliveryTotal      metric.Int64Counter
	RetryPublishedTotal  metric.Int64Counter

	// 0 closed，1 open，2 half-open
	BreakerState metric.Int64Gauge

	// 证书相关指标
	CertificateRefreshTotal metric.Int64Counter

	// 支付代理接口
	PlatformRequestTotal    metric.Int64Counter
	PlatformRequestDuration metric.Float64Histogram
}

var (
	// 全局指标实例
	metrics *OTelMetrics
	// meter 用于创建指标
	meter = otel.Meter("wxpay-gateway")
)

// InitMetrics 初始化 OpenTelemetry 指标
func InitMetrics() error {
	m, err := newOTelMetrics(meter)
	if err != nil {
		return err
	}
	metrics = m
	return nil
}

func newOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	var err error
	m := &OTelMetrics{}

	m.NotifyReceivedTotal, err = meter.Int64Counter(
		"notify_received_total",
		metric.WithDescription("Total number of platform notifications received"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyRejectedTotal, err = meter.Int64Counter(
		"notify_rejected_total",
		metric.WithDescription("Total number of notifications answered with FAIL"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_handle_duration_seconds",
		metric.WithDescription("Time spent handling a notification"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchOutcomeTotal, err = meter.Int64Counter(
		"dispatch_outcome_total",
		metric.WithDescription("Dispatch outcomes by kind"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return nil, err
	}

	m.ForwardDuration, err = meter.Float64Histogram(
		"forward_duration_seconds",
		metric.WithDescription("Business backend forward call duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, err
	}

	m.RedeliveryTotal, err = meter.Int64Counter(
		"dispatch_redelivery_total",
		metric.WithDescription("Background redelivery attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.RetryPublishedTotal, err = meter.Int64Counter(
		"dispatch_retry_published_total",
		metric.WithDescription("Delayed retry messages published"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerState, err = meter.Int64Gauge(
		"circuit_breaker_state",
		metric.WithDescription("Business backend circuit breaker state"),
	)
	if err != nil {
		return nil, err
	}

	m.CertificateRefreshTotal, err = meter.Int64Counter(
		"certificate_refresh_total",
		metric.WithDescription("Platform certificate refreshes"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}

	m.PlatformRequestTotal, err = meter.Int64Counter(
		"platform_request_total",
		metric.WithDescription("Synchronous payment platform API calls"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.PlatformRequestDuration, err = meter.Float64Histogram(
		"platform_request_duration_seconds",
		metric.WithDescription("Payment platform API call duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// GetMetrics 获取全局指标实例
func GetMetrics() *OTelMetrics {
	return metrics
}

func (m *OTelMetrics) RecordNotifyReceived(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.NotifyReceivedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *OTelMetrics) RecordNotifyRejected(ctx context.Context, kind, code string) {
	if m == nil {
		return
	}
	m.NotifyRejectedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("code", code),
	))
}

func (m *OTelMetrics) RecordNotifyDuration(ctx context.Context, kind, ack string, seconds float64) {
	if m == nil {
		return
	}
	m.NotifyDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("ack", ack),
	))
}

func (m *OTelMetrics) RecordDispatchOutcome(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.DispatchOutcomeTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func (m *OTelMetrics) RecordForward(ctx context.Context, kind, result string, seconds float64) {
	if m == nil {
		return
	}
	m.ForwardDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

func (m *OTelMetrics) RecordRedelivery(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	m.RedeliveryTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

func (m *OTelMetrics) RecordRetryPublished(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.RetryPublishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *OTelMetrics) RecordBreakerState(ctx context.Context, breaker string, state int64) {
	if m == nil {
		return
	}
	m.BreakerState.Record(ctx, state, metric.WithAttributes(attribute.String("breaker", breaker)))
}

func (m *OTelMetrics) RecordCertificateRefresh(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.CertificateRefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *OTelMetrics) RecordPlatformRequest(ctx context.Context, operation string, status int, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Int("status", status),
	)
	m.PlatformRequestTotal.Add(ctx, 1, attrs)
	m.PlatformRequestDuration.Record(ctx, seconds, attrs)
}
