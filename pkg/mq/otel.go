package mq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "campussos.rabbitmq"

// MessageHeaderCarrier 实现 propagation.TextMapCarrier 接口
type MessageHeaderCarrier struct {
	Headers amqp.Table
}

func (m *MessageHeaderCarrier) Get(key string) string {
	if val, ok := m.Headers[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func (m *MessageHeaderCarrier) Set(key, value string) {
	if m.Headers == nil {
		m.Headers = make(amqp.Table)
	}
	m.Headers[key] = value
}

func (m *MessageHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	return keys
}

func messageCounter() metric.Int64Counter {
	counter, _ := otel.Meter(instrumentationName).Int64Counter(
		"rabbitmq.messages.total",
		metric.WithDescription("Total number of RabbitMQ messages"),
		metric.WithUnit("{message}"),
	)
	return counter
}

// PublishWithTracing 在 span 中发布消息，并把追踪上下文注入消息头
func PublishWithTracing(
	ctx context.Context,
	ch *amqp.Channel,
	exchange, routingKey string,
	msg amqp.Publishing,
) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "rabbitmq.publish "+exchange,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystem("rabbitmq"),
			attribute.String("messaging.rabbitmq.exchange", exchange),
			attribute.String("messaging.rabbitmq.routing_key", routingKey),
		),
	)
	defer span.End()

	headers := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, &MessageHeaderCarrier{Headers: headers})
	msg.Headers = headers

	err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)

	status := "success"
	if err != nil {
		status = "error"
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	if counter := messageCounter(); counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("messaging.operation", "publish"),
			attribute.String("messaging.rabbitmq.exchange", exchange),
			attribute.String("messaging.status", status),
		))
	}
	return err
}

// StartDeliverySpan 从消息头恢复追踪上下文并开始处理 span
func StartDeliverySpan(ctx context.Context, msg amqp.Delivery) (context.Context, trace.Span) {
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, &MessageHeaderCarrier{Headers: msg.Headers})

	ctx, span := otel.Tracer(instrumentationName).Start(msgCtx, "rabbitmq.process "+msg.Exchange,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithTimestamp(time.Now()),
		trace.WithAttributes(
			semconv.MessagingSystem("rabbitmq"),
			attribute.String("messaging.rabbitmq.exchange", msg.Exchange),
			semconv.MessagingMessageID(msg.MessageId),
		),
	)

	if counter := messageCounter(); counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("messaging.operation", "consume"),
			attribute.String("messaging.rabbitmq.exchange", msg.Exchange),
			attribute.String("messaging.status", "received"),
		))
	}
	return ctx, span
}
