package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"guppi/internal/broker"
)

// denied streams carry runtime plumbing, not conversation; subscribing
// to them would feed the agent its own exhaust.
var denied = map[string]bool{
	broker.ActionLog:       true,
	broker.HeartbeatStream: true,
	broker.KillSwitch:      true,
}

// Subs is the runtime stream-subscription registry, persisted to disk
// so a restart resumes the same ambient listening set.
type Subs struct {
	mu       sync.Mutex
	path     string
	channels map[string]bool
}

// OpenSubs loads the registry at path, seeding the defaults when the
// file does not exist yet.
func OpenSubs(path string) (*Subs, error) {
	s := &Subs{
		path: path,
		channels: map[string]bool{
			broker.ChatGeneral:     true,
			broker.ChatSynchronous: true,
			broker.DigestStream:    true,
		},
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read subscriptions: %w", err)
	}
	var stored []string
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parse subscriptions: %w", err)
	}
	s.channels = make(map[string]bool, len(stored)+1)
	for _, c := range stored {
		s.channels[c] = true
	}
	// The synchronous channel is mandatory regardless of what was saved.
	s.channels[broker.ChatSynchronous] = true
	return s, nil
}

// Subscribe adds a stream to the listening set.
func (s *Subs) Subscribe(channel string) error {
	if denied[channel] {
		return fmt.Errorf("subscriptions: %s is not subscribable", channel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channel] = true
	return s.saveLocked()
}

// Unsubscribe removes a stream. The synchronous summon channel cannot
// be dropped.
func (s *Subs) Unsubscribe(channel string) error {
	if channel == broker.ChatSynchronous {
		return fmt.Errorf("subscriptions: %s cannot be unsubscribed", channel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.channels[channel] {
		return fmt.Errorf("subscriptions: not subscribed to %s", channel)
	}
	delete(s.channels, channel)
	return s.saveLocked()
}

// List returns the subscribed streams, sorted.
func (s *Subs) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for c := range s.channels {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (s *Subs) saveLocked() error {
	channels := make([]string, 0, len(s.channels))
	for c := range s.channels {
		channels = append(channels, c)
	}
	sort.Strings(channels)
	data, err := json.MarshalIndent(channels, "", "  ")
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write subscriptions: %w", err)
	}
	return os.Rename(tmp, s.path)
}
