package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	natsStreamName     = "BIZOSAAS_EVENTS"
	natsPriorityHeader = "X-Event-Priority"
)

// NatsBroker — очередной (queue-backed) транспорт на NATS JetStream.
// В отличие от Pub/Sub сообщения переживают отсутствие подписчика:
// каждый wildcard-ключ получает durable consumer с fetch-циклом.
type NatsBroker struct {
	url    string
	logger *zap.Logger

	nc *nats.Conn
	js jetstream.JetStream

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func NewNatsBroker(url string, logger *zap.Logger) *NatsBroker {
	return &NatsBroker{
		url:    url,
		logger: logger.Named("nats-broker"),
		subs:   make(map[string]context.CancelFunc),
	}
}

func (b *NatsBroker) Initialize(ctx context.Context) error {
	nc, err := nats.Connect(b.url,
		nats.Name("bizosaas-eventcore"),
		nats.Timeout(10*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("create jetstream context: %w", err)
	}
	b.nc = nc
	b.js = js

	// Единый стрим на все routing key платформы (tenant.> и events.>)
	if _, err := js.Stream(ctx, natsStreamName); err != nil {
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:      natsStreamName,
			Subjects:  []string{"tenant.>", "events.>"},
			Retention: jetstream.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Discard:   jetstream.DiscardOld,
			Storage:   jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return fmt.Errorf("create stream %s: %w", natsStreamName, err)
		}
	}
	return nil
}

func (b *NatsBroker) Publish(ctx context.Context, routingKey string, payload []byte, priority int) error {
	if b.js == nil {
		return fmt.Errorf("nats broker is not initialized")
	}
	msg := &nats.Msg{
		Subject: routingKey,
		Data:    payload,
		Header:  nats.Header{natsPriorityHeader: []string{strconv.Itoa(priority)}},
	}
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
	)
	return r.Do(func() error {
		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := b.js.PublishMsg(pubCtx, msg)
		return err
	})
}

func (b *NatsBroker) Subscribe(ctx context.Context, routingKey string, handler Handler) error {
	if b.js == nil {
		return fmt.Errorf("nats broker is not initialized")
	}

	stream, err := b.js.Stream(ctx, natsStreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        consumerName(routingKey),
		AckWait:        30 * time.Second,
		MaxDeliver:     5,
		DeliverPolicy:  jetstream.DeliverNewPolicy,
		FilterSubjects: []string{routingKey},
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	b.mu.Lock()
	if cancel, ok := b.subs[routingKey]; ok {
		cancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	b.subs[routingKey] = cancel
	b.mu.Unlock()

	go b.consume(subCtx, consumer, handler)
	return nil
}

func (b *NatsBroker) consume(ctx context.Context, consumer jetstream.Consumer, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err != nats.ErrTimeout && err != context.DeadlineExceeded {
				b.logger.Error("failed to fetch messages", zap.Error(err))
				time.Sleep(time.Second)
			}
			continue
		}
		for msg := range msgs.Messages() {
			handler(ctx, msg.Subject(), msg.Data())
			if err := msg.Ack(); err != nil {
				b.logger.Warn("ack failed", zap.String("subject", msg.Subject()), zap.Error(err))
			}
		}
	}
}

func (b *NatsBroker) Unsubscribe(routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cancel, ok := b.subs[routingKey]
	if !ok {
		return fmt.Errorf("no subscription for %s", routingKey)
	}
	cancel()
	delete(b.subs, routingKey)
	return nil
}

func (b *NatsBroker) HealthCheck(ctx context.Context) error {
	if b.nc == nil || !b.nc.IsConnected() {
		return fmt.Errorf("nats is not connected")
	}
	return nil
}

func (b *NatsBroker) Close() error {
	b.mu.Lock()
	for pattern, cancel := range b.subs {
		cancel()
		delete(b.subs, pattern)
	}
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Drain()
		b.nc.Close()
	}
	return nil
}

// consumerName — durable-имя консьюмера из routing key (NATS запрещает точки и `*`).
func consumerName(routingKey string) string {
	out := make([]byte, 0, len(routingKey))
	for i := 0; i < len(routingKey); i++ {
		c := routingKey[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return "sub_" + string(out)
}
