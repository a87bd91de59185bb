// Package broker publishes and consumes JSON envelopes over AMQP 0-9-1.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Client struct {
	cfg Config
	log *slog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	pool *channelPool

	consumers sync.WaitGroup
}

// Dial connects and declares the configured topic exchange.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("broker: url is required")
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Client{cfg: cfg.withDefaults(), log: log.With("component", "broker")}

	host := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Host
	}
	c.log.Info("connecting to amqp broker", slog.String("host", host))

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnTimeout)
	defer cancel()
	if err := c.connect(dctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := c.cfg.Dialer(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("broker: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("broker: open channel: %w", err)
	}
	if c.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("broker: declare exchange %q: %w", c.cfg.Exchange, err)
		}
	}
	_ = ch.Close()

	c.mu.Lock()
	old, oldPool := c.conn, c.pool
	c.conn = conn
	c.pool = newChannelPool(conn, c.cfg.PublishPoolSize)
	c.mu.Unlock()

	if oldPool != nil {
		oldPool.close()
	}
	if old != nil && !old.IsClosed() {
		_ = old.Close()
	}
	return nil
}

func (c *Client) current() (*amqp.Connection, *channelPool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn, c.pool
}

// PublishJSON publishes env as a persistent message on the client's
// exchange. The envelope id becomes the AMQP message id.
func (c *Client) PublishJSON(ctx context.Context, routingKey string, env Envelope) error {
	if err := env.normalize(c.cfg.Producer); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}

	_, pool := c.current()
	ch, err := pool.borrow(ctx, c.cfg.PoolRetryDelay)
	if err != nil {
		return fmt.Errorf("broker: borrow channel: %w", err)
	}
	defer pool.put(ch)

	return ch.PublishWithContext(ctx, c.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         c.cfg.Producer,
	})
}

// Close waits briefly for consumers to stop, then closes the connection.
func (c *Client) Close() {
	done := make(chan struct{})
	go func() {
		c.consumers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	conn, pool := c.current()
	if pool != nil {
		pool.close()
	}
	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}
}
