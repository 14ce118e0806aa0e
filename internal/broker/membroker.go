package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Broker with the same blocking semantics as the
// Redis backend. It backs tests and the --broker memory development mode.
type Memory struct {
	mu      sync.Mutex
	closed  bool
	queues  map[string][][]byte
	streams map[string][]StreamMessage
	kv      map[string]memEntry
	seq     int64

	// notify is closed and replaced whenever anything is written, waking
	// every blocked reader to re-check its condition.
	notify chan struct{}
}

type memEntry struct {
	value   string
	expires time.Time
}

var _ Broker = (*Memory)(nil)

// NewMemory returns an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		queues:  make(map[string][][]byte),
		streams: make(map[string][]StreamMessage),
		kv:      make(map[string]memEntry),
		notify:  make(chan struct{}),
	}
}

func (m *Memory) wake() {
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *Memory) QueuePush(ctx context.Context, queue string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.queues[queue] = append(m.queues[queue], cp)
	m.wake()
	return nil
}

func (m *Memory) QueuePopNoWait(ctx context.Context, queue string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.popLocked(queue), nil
}

func (m *Memory) popLocked(queue string) []byte {
	q := m.queues[queue]
	if len(q) == 0 {
		return nil
	}
	head := q[0]
	m.queues[queue] = q[1:]
	return head
}

func (m *Memory) QueuePop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if head := m.popLocked(queue); head != nil {
			m.mu.Unlock()
			return head, nil
		}
		wait := m.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-wait:
		}
	}
}

func (m *Memory) StreamAdd(ctx context.Context, stream string, fields map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	m.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), m.seq)
	vals := make(map[string]string, len(fields))
	for k, v := range fields {
		vals[k] = fmt.Sprint(v)
	}
	m.streams[stream] = append(m.streams[stream], StreamMessage{Stream: stream, ID: id, Values: vals})
	m.wake()
	return id, nil
}

// idAfter reports whether stream id a sorts after b.
func idAfter(a, b string) bool {
	ams, aseq := splitID(a)
	bms, bseq := splitID(b)
	if ams != bms {
		return ams > bms
	}
	return aseq > bseq
}

func splitID(id string) (int64, int64) {
	ms, seq, _ := strings.Cut(id, "-")
	msN, _ := strconv.ParseInt(ms, 10, 64)
	seqN, _ := strconv.ParseInt(seq, 10, 64)
	return msN, seqN
}

func (m *Memory) lastIDLocked(stream string) string {
	entries := m.streams[stream]
	if len(entries) == 0 {
		return "0-0"
	}
	return entries[len(entries)-1].ID
}

func (m *Memory) StreamRead(ctx context.Context, cursors map[string]string, block time.Duration, count int64) ([]StreamMessage, error) {
	// Resolve "$" cursors against the state at call time.
	resolved := make(map[string]string, len(cursors))
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	for s, id := range cursors {
		if id == "$" {
			id = m.lastIDLocked(s)
		}
		resolved[s] = id
	}
	m.mu.Unlock()

	deadline := time.NewTimer(block)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		var out []StreamMessage
		for s, after := range resolved {
			var n int64
			for _, msg := range m.streams[s] {
				if !idAfter(msg.ID, after) {
					continue
				}
				out = append(out, msg)
				n++
				if count > 0 && n >= count {
					break
				}
			}
		}
		wait := m.notify
		m.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-wait:
		}
	}
}

func (m *Memory) StreamTail(ctx context.Context, stream string, count int64) ([]StreamMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	entries := m.streams[stream]
	start := 0
	if count > 0 && int64(len(entries)) > count {
		start = len(entries) - int(count)
	}
	out := make([]StreamMessage, len(entries)-start)
	copy(out, entries[start:])
	return out, nil
}

func (m *Memory) StreamRange(ctx context.Context, stream, start, end string, count int64) ([]StreamMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []StreamMessage
	for _, msg := range m.streams[stream] {
		if start != "-" && idAfter(start, msg.ID) {
			continue
		}
		if end != "+" && idAfter(msg.ID, end) {
			continue
		}
		out = append(out, msg)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.setLocked(key, value, ttl)
	return nil
}

func (m *Memory) setLocked(key, value string, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.kv[key] = memEntry{value: value, expires: exp}
}

func (m *Memory) getLocked(key string) (string, bool) {
	e, ok := m.kv[key]
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.kv, key)
		return "", false
	}
	return e.value, true
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	v, _ := m.getLocked(key)
	return v, nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, held := m.getLocked(key); held {
		return false, nil
	}
	m.setLocked(key, value, ttl)
	return true, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(m.kv, k)
		delete(m.queues, k)
		delete(m.streams, k)
	}
	return nil
}

// Close wakes all blocked readers with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.wake()
	return nil
}
