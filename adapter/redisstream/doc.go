// Package redisstream provides the durable broker transport on Redis
// Streams: XADD publish into a stream, consumer-group XREADGROUP delivery,
// XACK on acknowledge, and an explicit dead-letter stream on reject.
//
// Transport name: "redis-streams".
//
// Minimal config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - group: consumer group name (default "xrelay")
//   - consumer: consumer name (default derived from hostname and pid)
//   - prefetch: XREADGROUP COUNT, max in-flight deliveries (default 1)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_create: create group/stream if missing (default true)
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - dead_letter: stream name for rejected messages (optional)
//
// Redis has no broker-side dead-letter exchange, so Nack writes the
// dead-letter stream itself and then acks the original entry to keep poison
// messages from looping.
package redisstream
