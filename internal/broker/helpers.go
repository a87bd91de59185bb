package broker

import (
	"context"
	"math/rand/v2"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// jitteredDelay spreads base by ±jitterPct percent (25 when unset), capped.
func jitteredDelay(base, limit time.Duration, jitterPct int) time.Duration {
	if jitterPct <= 0 {
		jitterPct = 25
	}
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > limit {
		wait = limit
	}
	return wait
}

// deathCount reads how often the broker dead-lettered d out of queue.
func deathCount(d amqp.Delivery, queue string) int {
	list, ok := d.Headers["x-death"].([]any)
	if !ok {
		return 0
	}
	for _, it := range list {
		m, ok := it.(amqp.Table)
		if !ok {
			continue
		}
		if q, _ := m["queue"].(string); q != queue {
			continue
		}
		switch n := m["count"].(type) {
		case int64:
			return int(n)
		case int32:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}

func publishFinal(ctx context.Context, ch *amqp.Channel, exchange string, d amqp.Delivery) error {
	ct := d.ContentType
	if ct == "" {
		ct = "application/json"
	}
	return ch.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
		ContentType:   ct,
		Body:          d.Body,
		Headers:       d.Headers,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		Type:          d.Type,
		AppId:         d.AppId,
	})
}
