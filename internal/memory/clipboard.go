package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ClipEntry is one pinned note on the scratchpad.
type ClipEntry struct {
	Text    string    `json:"text"`
	AddedAt time.Time `json:"added_at"`
}

// Clipboard is the persistent scratchpad: a small bounded list of notes
// that survives pruning and restarts. Oldest entries fall off when the
// bound is hit.
type Clipboard struct {
	mu      sync.Mutex
	path    string
	max     int
	entries []ClipEntry
}

// OpenClipboard loads the scratchpad at path, creating it if absent.
func OpenClipboard(path string, maxEntries int) (*Clipboard, error) {
	c := &Clipboard{path: path, max: maxEntries}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read clipboard: %w", err)
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("parse clipboard: %w", err)
	}
	return c, nil
}

// Add pins a note, evicting the oldest entries past the bound.
func (c *Clipboard) Add(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = append(c.entries, ClipEntry{Text: text, AddedAt: time.Now().UTC()})
	if c.max > 0 && len(c.entries) > c.max {
		c.entries = append([]ClipEntry(nil), c.entries[len(c.entries)-c.max:]...)
	}
	return c.saveLocked()
}

// Entries returns a copy of the scratchpad, oldest first.
func (c *Clipboard) Entries() []ClipEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ClipEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Clear wipes the scratchpad.
func (c *Clipboard) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	return c.saveLocked()
}

func (c *Clipboard) saveLocked() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode clipboard: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	return os.Rename(tmp, c.path)
}
