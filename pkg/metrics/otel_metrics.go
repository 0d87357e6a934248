package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics 告警投递链路的 OpenTelemetry 指标集合
type OTelMetrics struct {
	AlertsDispatchedTotal metric.Int64Counter
	AlertsDeliveredTotal  metric.Int64Counter
	AlertsQueuedTotal     metric.Int64Counter
	AlertsFailedTotal     metric.Int64Counter
	SubmitDuration        metric.Float64Histogram

	FlushPassesTotal   metric.Int64Counter
	FlushRetriesTotal  metric.Int64Counter
	AlertsDroppedTotal metric.Int64Counter
	QueueLength        metric.Int64Gauge

	RelayBroadcastsTotal metric.Int64Counter
	SyncWakeupsTotal     metric.Int64Counter
}

var (
	// 全局指标实例
	metrics *OTelMetrics
	// meter 用于创建指标
	meter = otel.Meter("campussos")
)

// InitMetrics 初始化 OpenTelemetry 指标
func InitMetrics() error {
	var err error

	m := &OTelMetrics{}

	m.AlertsDispatchedTotal, err = meter.Int64Counter(
		"sos_alerts_dispatched_total",
		metric.WithDescription("Total number of SOS dispatch attempts"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return err
	}

	m.AlertsDeliveredTotal, err = meter.Int64Counter(
		"sos_alerts_delivered_total",
		metric.WithDescription("Total number of alerts confirmed by the backend"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return err
	}

	m.AlertsQueuedTotal, err = meter.Int64Counter(
		"sos_alerts_queued_total",
		metric.WithDescription("Total number of alerts queued for retry"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return err
	}

	m.AlertsFailedTotal, err = meter.Int64Counter(
		"sos_alerts_failed_total",
		metric.WithDescription("Total number of alerts rejected with a terminal error"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return err
	}

	m.SubmitDuration, err = meter.Float64Histogram(
		"sos_submit_duration_seconds",
		metric.WithDescription("Backend submit duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	m.FlushPassesTotal, err = meter.Int64Counter(
		"sos_flush_passes_total",
		metric.WithDescription("Total number of queue flush passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return err
	}

	m.FlushRetriesTotal, err = meter.Int64Counter(
		"sos_flush_retries_total",
		metric.WithDescription("Total number of failed flush attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return err
	}

	m.AlertsDroppedTotal, err = meter.Int64Counter(
		"sos_alerts_dropped_total",
		metric.WithDescription("Total number of queued alerts dropped after max retries"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return err
	}

	m.QueueLength, err = meter.Int64Gauge(
		"sos_queue_length",
		metric.WithDescription("Number of alerts waiting in the retry queue"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return err
	}

	m.RelayBroadcastsTotal, err = meter.Int64Counter(
		"sos_relay_broadcasts_total",
		metric.WithDescription("Total number of short-range relay broadcasts"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	m.SyncWakeupsTotal, err = meter.Int64Counter(
		"sos_sync_wakeups_total",
		metric.WithDescription("Total number of background sync wake-ups"),
		metric.WithUnit("{wakeup}"),
	)
	if err != nil {
		return err
	}

	metrics = m
	return nil
}

// GetMetrics 获取全局指标实例，未初始化时返回 nil
func GetMetrics() *OTelMetrics {
	return metrics
}

// RecordDispatch 记录一次投递结果，outcome 为 delivered / queued / failed
func RecordDispatch(ctx context.Context, kind, outcome string, seconds float64) {
	m := GetMetrics()
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("alert_kind", kind))
	m.AlertsDispatchedTotal.Add(ctx, 1, attrs)

	switch outcome {
	case "delivered":
		m.AlertsDeliveredTotal.Add(ctx, 1, attrs)
	case "queued":
		m.AlertsQueuedTotal.Add(ctx, 1, attrs)
	default:
		m.AlertsFailedTotal.Add(ctx, 1, attrs)
	}

	if seconds > 0 {
		m.SubmitDuration.Record(ctx, seconds, metric.WithAttributes(
			attribute.String("alert_kind", kind),
			attribute.String("outcome", outcome),
		))
	}
}

// RecordFlushPass 记录一次刷新
func RecordFlushPass(ctx context.Context, trigger string, delivered, retried, dropped int) {
	m := GetMetrics()
	if m == nil {
		return
	}

	m.FlushPassesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	if delivered > 0 {
		m.AlertsDeliveredTotal.Add(ctx, int64(delivered), metric.WithAttributes(attribute.String("path", "flush")))
	}
	if retried > 0 {
		m.FlushRetriesTotal.Add(ctx, int64(retried))
	}
	if dropped > 0 {
		m.AlertsDroppedTotal.Add(ctx, int64(dropped))
	}
}

// SetQueueLength 设置当前队列长度
func SetQueueLength(ctx context.Context, length int) {
	if m := GetMetrics(); m != nil {
		m.QueueLength.Record(ctx, int64(length))
	}
}

// RecordRelayBroadcast 记录一次中继广播
func RecordRelayBroadcast(ctx context.Context, accepted bool) {
	if m := GetMetrics(); m != nil {
		m.RelayBroadcastsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("accepted", accepted)))
	}
}

// RecordSyncWakeup 记录一次后台同步唤醒
func RecordSyncWakeup(ctx context.Context, source string) {
	if m := GetMetrics(); m != nil {
		m.SyncWakeupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}
