package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xrelay"
)

// delivery implements xrelay.Delivery for Redis Streams.
type delivery struct {
	t     *transport
	topic string
	group string
	id    string
	msg   *xrelay.Message

	// Ensures the accept/reject decision happens exactly once.
	once *sync.Once
}

func (d *delivery) Message() *xrelay.Message { return d.msg }

// Ack acknowledges the entry, removing it from the group's pending list.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.t.client.XAck(ctx, d.topic, d.group, d.id).Err()
		if err == nil && d.t.cfg.AutoDeleteOnAck {
			_ = d.t.client.XDel(ctx, d.topic, d.id).Err()
		}
	})
	return err
}

// Nack rejects without requeue. Redis Streams has no explicit NACK: the
// entry is copied to the configured dead-letter stream with the original
// topic, id and error attached, then the original is acknowledged so it
// cannot loop back as a poison message. Without a dead-letter stream the
// entry stays pending for consumer-group redelivery/claim policies.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	if dl := d.t.cfg.DeadLetter; dl != "" {
		var ackErr error
		d.once.Do(func() {
			values := make(map[string]any, 6+len(d.msg.Metadata))
			values[fieldOrigTopic] = d.topic
			values[fieldOrigID] = d.id
			values[fieldError] = fmt.Sprintf("%v", reason)
			values[fieldName] = d.msg.Name
			values[fieldPayload] = d.msg.Payload
			for k, v := range d.msg.Metadata {
				values[fieldMetaPrefix+k] = v
			}
			_ = d.t.client.XAdd(ctx, &redis.XAddArgs{
				Stream: dl,
				ID:     "*",
				Values: values,
			}).Err()
			ackErr = d.t.client.XAck(ctx, d.topic, d.group, d.id).Err()
		})
		return ackErr
	}
	return nil
}

// decodeMessage reconstructs an xrelay.Message from stream entry values.
func decodeMessage(id string, vals map[string]any) *xrelay.Message {
	msg := &xrelay.Message{
		ID:       id,
		Metadata: nil, // lazily allocate when we find meta entries
	}
	if v, ok := vals[fieldName]; ok {
		msg.Name = asString(v)
	}
	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			msg.Payload = p
		case string:
			msg.Payload = []byte(p)
		}
	}
	if pa := vals[fieldProducedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			msg.ProducedAt = time.Unix(0, ns)
		}
	}
	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]string, 4)
			}
			msg.Metadata[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]string{}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
