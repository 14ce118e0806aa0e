// Package broker abstracts the message fabric the GUPPI runtime lives
// on: blocking queues for inboxes and work distribution, append-only
// streams for chat and audit, and a small key/value surface for status
// reporting and locks.
//
// Two backends exist. The Redis backend is the production fabric shared
// with every other collaborator on the wire. The in-memory backend has
// identical semantics for tests and single-process development runs.
package broker

import (
	"context"
	"fmt"
	"time"
)

// StreamMessage is one entry read from a stream.
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]string
}

// Broker is the message-fabric contract. All blocking calls honor ctx.
// Pop operations return (nil, nil) on timeout with no message; absent
// keys read as "" with no error.
type Broker interface {
	// QueuePush appends a payload to the tail of a queue.
	QueuePush(ctx context.Context, queue string, payload []byte) error
	// QueuePop blocks up to timeout for the head of a queue.
	QueuePop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	// QueuePopNoWait takes the head of a queue or returns (nil, nil).
	QueuePopNoWait(ctx context.Context, queue string) ([]byte, error)

	// StreamAdd appends fields to a stream and returns the entry id.
	StreamAdd(ctx context.Context, stream string, fields map[string]any) (string, error)
	// StreamRead blocks up to block for entries after each cursor. The
	// cursor "$" means "entries added after this call starts".
	StreamRead(ctx context.Context, cursors map[string]string, block time.Duration, count int64) ([]StreamMessage, error)
	// StreamTail returns the most recent count entries, oldest first.
	StreamTail(ctx context.Context, stream string, count int64) ([]StreamMessage, error)
	// StreamRange returns entries between start and end ids inclusive.
	// "-" and "+" select the stream extremes.
	StreamRange(ctx context.Context, stream, start, end string, count int64) ([]StreamMessage, error)

	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	// SetNX sets the key only if absent. Reports whether it won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	Close() error
}

// Well-known channel names. These are the wire contract shared with the
// dashboard, the scribe pool and every sibling agent; they must not be
// renamed without coordinating the whole fleet.
const (
	ChatGeneral     = "chat:general"
	ChatSynchronous = "chat:synchronous"
	GPUQueue        = "queue:gpu_heavy"
	DigestStream    = "volition:social_digests"
	ActionLog       = "volition:action_log"
	HeartbeatStream = "volition:heartbeat"
	KillSwitch      = "volition:kill_switch"
)

// Inbox names an agent's private event queue.
func Inbox(agent string) string { return "inbox:" + agent }

// Internal names an agent's loopback queue for self-scheduled events.
func Internal(agent string) string { return "internal:" + agent }

// StatusKey names the agent state key (idle/thinking/hibernating).
func StatusKey(agent string) string { return "status:" + agent }

// ReplyQueue names the ephemeral reply channel for one compute request.
func ReplyQueue(requestID string) string { return "temp:req:" + requestID }

// LockKey names the talking-stick lock for a chat channel.
func LockKey(channel string) string { return "lock:" + channel }

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = fmt.Errorf("broker: closed")
