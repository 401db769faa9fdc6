package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/limits"
	"github.com/opd-ai/callsig/signal"
)

// RedisConfig controls the Redis client used by the relay.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// Redis is a Relay on Redis Pub/Sub. Messages are JSON envelopes; Redis
// delivers each channel's messages to a subscriber in publish order.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects to Redis and verifies connectivity with PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenRedis",
		"addr":     cfg.Addr,
	}).Info("Connected to redis relay")
	return NewRedis(client), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// PublishSignal implements Relay.
func (r *Redis) PublishSignal(ctx context.Context, sig signal.Signal) error {
	b, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	if err := r.client.Publish(ctx, signalChannel(sig.CallID), b).Err(); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// PublishSession implements Relay on both session channels.
func (r *Redis) PublishSession(ctx context.Context, s call.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Publish(ctx, sessionChannel(s.ID), b)
	pipe.Publish(ctx, incomingChannel(s.CalleeID), b)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish session: %w", err)
	}
	return nil
}

// SubscribeSignals implements Relay.
func (r *Redis) SubscribeSignals(ctx context.Context, callID string, fn func(signal.Signal)) (Subscription, error) {
	return r.subscribe(ctx, signalChannel(callID), func(payload string) error {
		sig, err := DecodeSignal([]byte(payload))
		if err != nil {
			return err
		}
		fn(sig)
		return nil
	})
}

// SubscribeSession implements Relay.
func (r *Redis) SubscribeSession(ctx context.Context, callID string, fn func(call.Session)) (Subscription, error) {
	return r.subscribe(ctx, sessionChannel(callID), sessionDecoder(fn))
}

// SubscribeIncoming implements Relay.
func (r *Redis) SubscribeIncoming(ctx context.Context, calleeID string, fn func(call.Session)) (Subscription, error) {
	return r.subscribe(ctx, incomingChannel(calleeID), sessionDecoder(fn))
}

func sessionDecoder(fn func(call.Session)) func(string) error {
	return func(payload string) error {
		s, err := DecodeSession([]byte(payload))
		if err != nil {
			return err
		}
		fn(s)
		return nil
	}
}

// subscribe confirms the subscription before returning so that nothing
// published afterwards is missed.
func (r *Redis) subscribe(ctx context.Context, channel string, handle func(string) error) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range ps.Channel() {
			if err := handle(msg.Payload); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "subscribe",
					"channel":  channel,
					"error":    err.Error(),
				}).Warn("Discarding undecodable relay message")
			}
		}
	}()

	var once sync.Once
	return SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			err = ps.Close()
			wg.Wait()
		})
		return err
	}), nil
}

// DecodeSignal parses a signal envelope and validates its payload.
func DecodeSignal(b []byte) (signal.Signal, error) {
	if err := limits.ValidateEnvelope(b); err != nil {
		return signal.Signal{}, err
	}
	var sig signal.Signal
	if err := json.Unmarshal(b, &sig); err != nil {
		return signal.Signal{}, err
	}
	return sig, sig.Validate()
}

// DecodeSession parses a session envelope and validates it.
func DecodeSession(b []byte) (call.Session, error) {
	if err := limits.ValidateEnvelope(b); err != nil {
		return call.Session{}, err
	}
	var s call.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return call.Session{}, fmt.Errorf("%w: %v", call.ErrInvalidSession, err)
	}
	if err := s.Validate(); err != nil {
		return call.Session{}, err
	}
	return s, nil
}
