package broker

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config describes the connection and the exchange publishers write to.
type Config struct {
	URL      string
	Exchange string
	// Producer is stamped into envelope metadata and the AMQP app id.
	Producer string

	PublishPoolSize int
	Prefetch        int
	ConnTimeout     time.Duration
	PoolRetryDelay  time.Duration

	ReconnectBase          time.Duration
	ReconnectCap           time.Duration
	ReconnectJitterPercent int

	// Dialer replaces amqp.Dial, mostly for tests.
	Dialer func(ctx context.Context, url string) (*amqp.Connection, error)
}

func (c Config) withDefaults() Config {
	if c.PublishPoolSize <= 0 {
		c.PublishPoolSize = 16
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 30 * time.Second
	}
	if c.PoolRetryDelay <= 0 {
		c.PoolRetryDelay = 50 * time.Millisecond
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = func(_ context.Context, u string) (*amqp.Connection, error) { return amqp.Dial(u) }
	}
	return c
}
