package mq

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"CampusSOS/pkg/logger"
	mqotel "CampusSOS/pkg/mq"
)

type MessageHandler func(ctx context.Context, body []byte) error

// SubscribeOptions 广播订阅参数
type SubscribeOptions struct {
	Exchange    string
	ConsumerTag string
	Handler     MessageHandler
}

// Subscribe 为当前进程创建独占的临时队列并绑定到广播交换机，阻塞直到 ctx 结束。
// 控制消息是即时信号，处理失败直接丢弃，不重新入队。
func Subscribe(ctx context.Context, opts SubscribeOptions) error {
	if conn == nil {
		return errNoConnection
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		"",    // 由服务端生成队列名
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name,
		opts.ConsumerTag,
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	logger.Logger.Info("Started consuming messages",
		zap.String("exchange", opts.Exchange),
		zap.String("queue", q.Name),
		zap.String("consumer_tag", opts.ConsumerTag),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consumer channel closed")
			}
			msgCtx, span := mqotel.StartDeliverySpan(ctx, msg)
			if err := opts.Handler(msgCtx, msg.Body); err != nil {
				span.RecordError(err)
				logger.Logger.Error("Failed to process message",
					zap.String("exchange", opts.Exchange),
					zap.String("consumer_tag", opts.ConsumerTag),
					zap.Error(err),
				)
			}
			span.End()
		}
	}
}
