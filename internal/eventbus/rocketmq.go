package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"

	"github.com/quotewire/marketdata/internal/domain/marketdata"
	"github.com/quotewire/marketdata/pkg/logger"
)

// RocketMQConfig carries broker connection settings.
type RocketMQConfig struct {
	NameServers  []string `yaml:"name_servers" env:"ROCKETMQ_NAME_SERVERS"`
	Namespace    string   `yaml:"namespace" env:"ROCKETMQ_NAMESPACE"`
	AccessKey    string   `yaml:"access_key" env:"ROCKETMQ_ACCESS_KEY"`
	SecretKey    string   `yaml:"secret_key" env:"ROCKETMQ_SECRET_KEY"`
	MaxReconsume int      `yaml:"max_reconsume" env:"ROCKETMQ_MAX_RECONSUME"`
	ConsumeFrom  string   `yaml:"consume_from" env:"ROCKETMQ_CONSUME_FROM"` // "first" (default) or "latest"
}

// RocketMQBus adapts RocketMQ as the price event channel. Events are
// sharded by symbol so per-symbol publish order survives the broker;
// the push consumer runs orderly within each queue.
type RocketMQBus struct {
	cfg RocketMQConfig
	log *logger.Logger

	mu     sync.Mutex
	prod   rocketmq.Producer
	cons   rocketmq.PushConsumer
	consUp bool
}

var _ Bus = (*RocketMQBus)(nil)

// NewRocketMQBus constructs the bus and starts the producer. The
// producer is the one long-lived shared handle; it is created here, at
// startup, never lazily.
func NewRocketMQBus(cfg RocketMQConfig, log *logger.Logger) (*RocketMQBus, error) {
	if len(cfg.NameServers) == 0 {
		return nil, fmt.Errorf("rocketmq name servers required")
	}
	if log == nil {
		log = logger.NewDefault("eventbus-rocketmq")
	}

	prod, err := rocketmq.NewProducer(
		producer.WithNameServer(cfg.NameServers),
		producer.WithCredentials(primitive.Credentials{
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		}),
		producer.WithNamespace(strings.TrimSpace(cfg.Namespace)),
		producer.WithQueueSelector(producer.NewHashQueueSelector()),
		producer.WithRetry(2),
	)
	if err != nil {
		return nil, fmt.Errorf("create rocketmq producer: %w", err)
	}
	if err := prod.Start(); err != nil {
		return nil, fmt.Errorf("start rocketmq producer: %w", err)
	}

	return &RocketMQBus{cfg: cfg, log: log, prod: prod}, nil
}

// Publish sends the event synchronously and returns once the broker
// acknowledges or the context deadline expires.
func (b *RocketMQBus) Publish(ctx context.Context, event marketdata.PriceEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	b.mu.Lock()
	prod := b.prod
	b.mu.Unlock()
	if prod == nil {
		return ErrClosed
	}

	msg := primitive.NewMessage(Topic, body)
	msg.WithShardingKey(event.Symbol)
	msg.WithKeys([]string{event.Symbol})
	msg.WithProperty("provider", event.Provider)

	if _, err := prod.SendSync(ctx, msg); err != nil {
		return fmt.Errorf("rocketmq send: %w", err)
	}
	return nil
}

func (b *RocketMQBus) Subscribe(ctx context.Context, group string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler required")
	}
	group = strings.TrimSpace(group)
	if group == "" {
		return fmt.Errorf("consumer group required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cons == nil {
		opts := []consumer.Option{
			consumer.WithGroupName(group),
			consumer.WithNameServer(b.cfg.NameServers),
			consumer.WithCredentials(primitive.Credentials{
				AccessKey: b.cfg.AccessKey,
				SecretKey: b.cfg.SecretKey,
			}),
			consumer.WithNamespace(strings.TrimSpace(b.cfg.Namespace)),
			consumer.WithConsumerOrder(true),
		}
		if b.cfg.MaxReconsume > 0 {
			opts = append(opts, consumer.WithMaxReconsumeTimes(int32(b.cfg.MaxReconsume)))
		}
		switch strings.ToLower(strings.TrimSpace(b.cfg.ConsumeFrom)) {
		case "latest":
			opts = append(opts, consumer.WithConsumeFromWhere(consumer.ConsumeFromLastOffset))
		default:
			// Replay retained events so a restarted consumer catches up.
			opts = append(opts, consumer.WithConsumeFromWhere(consumer.ConsumeFromFirstOffset))
		}
		cons, err := rocketmq.NewPushConsumer(opts...)
		if err != nil {
			return fmt.Errorf("create rocketmq consumer: %w", err)
		}
		b.cons = cons
	}

	err := b.cons.Subscribe(Topic, consumer.MessageSelector{}, func(c context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
		for _, msg := range msgs {
			var event marketdata.PriceEvent
			if err := json.Unmarshal(msg.Body, &event); err != nil {
				b.log.WithError(err).WithField("msg_id", msg.MsgId).Warn("undecodable price event skipped")
				continue
			}
			if err := handler(c, event); err != nil {
				return consumer.ConsumeRetryLater, nil
			}
		}
		return consumer.ConsumeSuccess, nil
	})
	if err != nil {
		return fmt.Errorf("subscribe to topic %s: %w", Topic, err)
	}

	if !b.consUp {
		if err := b.cons.Start(); err != nil {
			return fmt.Errorf("start rocketmq consumer: %w", err)
		}
		b.consUp = true
	}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.cons != nil {
			_ = b.cons.Shutdown()
			b.cons = nil
			b.consUp = false
		}
	}()

	return nil
}

func (b *RocketMQBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.prod != nil {
		_ = b.prod.Shutdown()
		b.prod = nil
	}
	if b.cons != nil {
		_ = b.cons.Shutdown()
		b.cons = nil
		b.consUp = false
	}
	return nil
}
