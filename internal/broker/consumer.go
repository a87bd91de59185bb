package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPoison marks content that will never succeed. Poison deliveries are
// acked (and copied to the final queue when configured) instead of retried.
var ErrPoison = errors.New("broker: poison message")

// RetrySpec configures the dead-letter retry loop: failed deliveries wait
// TTL in <queue>.dead and return to the main queue, until MaxAttempts.
type RetrySpec struct {
	TTL         time.Duration
	MaxAttempts int
}

type ConsumerSpec struct {
	Name       string
	Exchange   string
	Queue      string
	BindingKey string
	Prefetch   int
	Retry      *RetrySpec
	// PoisonToFinal copies poison deliveries to <queue>.final.
	PoisonToFinal bool

	Handle func(ctx context.Context, d amqp.Delivery) error
}

func (s ConsumerSpec) deadExchange() string  { return s.Queue + ".dead" }
func (s ConsumerSpec) finalExchange() string { return s.Queue + ".final" }

// JSONHandler decodes the delivery body as an Envelope and its data as T.
// Decode failures are poison.
func JSONHandler[T any](h func(ctx context.Context, meta Meta, v T) error) func(context.Context, amqp.Delivery) error {
	return func(ctx context.Context, d amqp.Delivery) error {
		var env Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		v, err := Decode[T](env)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		return h(ctx, env.Meta, v)
	}
}

type disposition int

const (
	ack disposition = iota
	ackToFinal
	deadLetter
	requeue
)

// dispose decides what happens to a delivery after its handler returned err.
func dispose(spec ConsumerSpec, err error) disposition {
	switch {
	case err == nil:
		return ack
	case errors.Is(err, ErrPoison):
		if spec.PoisonToFinal {
			return ackToFinal
		}
		return ack
	case spec.Retry != nil:
		return deadLetter
	default:
		return requeue
	}
}

// exhausted reports whether a delivery already went around the retry loop
// MaxAttempts times.
func exhausted(spec ConsumerSpec, d amqp.Delivery) bool {
	return spec.Retry != nil && spec.Retry.MaxAttempts > 0 && deathCount(d, spec.Queue) >= spec.Retry.MaxAttempts
}

// Consume runs the given consumers until ctx is cancelled, restarting them
// after channel failures and reconnecting with jittered backoff when the
// connection drops.
func (c *Client) Consume(ctx context.Context, specs ...ConsumerSpec) error {
	closed := make(chan string, len(specs)*2)
	byName := make(map[string]ConsumerSpec, len(specs))
	for _, s := range specs {
		if s.Handle == nil {
			return fmt.Errorf("broker: consumer %s has no handler", s.Name)
		}
		byName[s.Name] = s
		if err := c.startConsumer(ctx, s, closed); err != nil {
			return fmt.Errorf("broker: start %s: %w", s.Name, err)
		}
	}

	conn, _ := c.current()
	connErr := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case name := <-closed:
			if err := c.startConsumer(ctx, byName[name], closed); err != nil {
				c.log.Error("restart consumer failed", slog.String("consumer", name), slog.Any("error", err))
			}

		case err := <-connErr:
			c.log.Error("amqp connection closed, reconnecting", slog.Any("error", err))
			if rerr := c.reconnect(ctx); rerr != nil {
				return rerr
			}
			for _, s := range byName {
				if err := c.startConsumer(ctx, s, closed); err != nil {
					c.log.Error("restart consumer after reconnect failed", slog.String("consumer", s.Name), slog.Any("error", err))
				}
			}
			conn, _ = c.current()
			connErr = conn.NotifyClose(make(chan *amqp.Error, 1))
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	backoff := c.cfg.ReconnectBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnTimeout)
		err := c.connect(dctx)
		cancel()
		if err == nil {
			c.log.Info("reconnected to amqp broker")
			return nil
		}
		wait := jitteredDelay(backoff, c.cfg.ReconnectCap, c.cfg.ReconnectJitterPercent)
		c.log.Error("reconnect failed", slog.Any("error", err), slog.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if backoff*2 < c.cfg.ReconnectCap {
			backoff *= 2
		}
	}
}

func (c *Client) startConsumer(ctx context.Context, spec ConsumerSpec, closed chan<- string) error {
	conn, _ := c.current()
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	prefetch := spec.Prefetch
	if prefetch <= 0 {
		prefetch = c.cfg.Prefetch
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		safeClose(ch)
		return err
	}
	if err := declareTopology(ch, spec); err != nil {
		safeClose(ch)
		return err
	}
	msgs, err := ch.Consume(spec.Queue, "", false, false, false, false, nil)
	if err != nil {
		safeClose(ch)
		return err
	}
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	log := c.log.With("consumer", spec.Name, "queue", spec.Queue)

	c.consumers.Add(1)
	go func() {
		defer c.consumers.Done()
		defer safeClose(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-chClosed:
				select {
				case closed <- spec.Name:
				default:
				}
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				c.deliver(ctx, ch, spec, d, log)
			}
		}
	}()

	log.Info("consumer started", slog.Int("prefetch", prefetch))
	return nil
}

func (c *Client) deliver(ctx context.Context, ch *amqp.Channel, spec ConsumerSpec, d amqp.Delivery, log *slog.Logger) {
	if exhausted(spec, d) {
		log.Warn("delivery exhausted retries", slog.String("message_id", d.MessageId))
		if err := publishFinal(ctx, ch, spec.finalExchange(), d); err != nil {
			log.Error("publish to final queue failed", slog.Any("error", err))
		}
		_ = d.Ack(false)
		return
	}

	err := spec.Handle(ctx, d)
	switch dispose(spec, err) {
	case ack:
		if err != nil {
			log.Warn("dropping poison delivery", slog.String("message_id", d.MessageId), slog.Any("error", err))
		}
		_ = d.Ack(false)
	case ackToFinal:
		log.Warn("poison delivery moved to final queue", slog.String("message_id", d.MessageId), slog.Any("error", err))
		if perr := publishFinal(ctx, ch, spec.finalExchange(), d); perr != nil {
			log.Error("publish to final queue failed", slog.Any("error", perr))
		}
		_ = d.Ack(false)
	case deadLetter:
		log.Warn("delivery failed, scheduling retry", slog.String("message_id", d.MessageId), slog.Any("error", err))
		_ = d.Nack(false, false)
	case requeue:
		log.Warn("delivery failed, requeueing", slog.String("message_id", d.MessageId), slog.Any("error", err))
		_ = d.Nack(false, true)
	}
}

// declareTopology declares the main queue and, when retries or poison
// copies are enabled, the dead-letter and final queues around it.
func declareTopology(ch *amqp.Channel, s ConsumerSpec) error {
	if err := ch.ExchangeDeclare(s.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	args := amqp.Table{}
	if s.Retry != nil {
		args["x-dead-letter-exchange"] = s.deadExchange()
	}
	if _, err := ch.QueueDeclare(s.Queue, true, false, false, false, args); err != nil {
		return err
	}
	if err := ch.QueueBind(s.Queue, s.BindingKey, s.Exchange, false, nil); err != nil {
		return err
	}

	if s.Retry != nil {
		if err := declareFanout(ch, s.deadExchange(), amqp.Table{
			"x-message-ttl":             int32(s.Retry.TTL / time.Millisecond),
			"x-dead-letter-exchange":    s.Exchange,
			"x-dead-letter-routing-key": s.BindingKey,
		}); err != nil {
			return err
		}
	}
	if s.Retry != nil || s.PoisonToFinal {
		if err := declareFanout(ch, s.finalExchange(), nil); err != nil {
			return err
		}
	}
	return nil
}

// declareFanout declares a fanout exchange and a same-named queue bound to it.
func declareFanout(ch *amqp.Channel, name string, queueArgs amqp.Table) error {
	if err := ch.ExchangeDeclare(name, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, queueArgs); err != nil {
		return err
	}
	return ch.QueueBind(name, "", name, false, nil)
}
