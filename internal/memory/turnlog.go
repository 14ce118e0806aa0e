// Package memory implements the tiered store: the hot turn log (JSONL),
// the episode archive with raw-turn cold files, the semantic vector
// index, the clipboard scratchpad and the todo store.
package memory

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"guppi/internal/types"
)

var (
	// ErrTurnNotFound means no hot-log record carries the given id.
	ErrTurnNotFound = errors.New("memory: turn not found")
	// ErrTurnFinal means a patch targeted a turn already in a terminal
	// state. Terminal records are immutable.
	ErrTurnFinal = errors.New("memory: turn already finalized")
)

// TurnLog is the tier-0 hot log: one JSON object per line, append-only
// except for the single pending-to-terminal patch each turn receives.
// Exactly one TurnLog instance owns the file; all methods serialize on
// an internal mutex so the single-writer property holds even if callers
// race.
type TurnLog struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	turns []types.Turn
	log   *zap.Logger
}

// OpenTurnLog loads the hot log at path, creating it if absent, and runs
// crash recovery: any turn still pending was abandoned by an abnormal
// exit, so it is finalized as failed and its id returned for exactly-once
// Ghosted event synthesis.
func OpenTurnLog(path string, logger *zap.Logger) (*TurnLog, []string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("turn log dir: %w", err)
	}

	tl := &TurnLog{path: path, log: logger}
	ghosts, err := tl.loadAndRecover()
	if err != nil {
		return nil, nil, err
	}

	// Recovery rewrites leave an append handle behind already.
	if tl.file == nil {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open turn log: %w", err)
		}
		tl.file = f
	}
	return tl, ghosts, nil
}

func (tl *TurnLog) loadAndRecover() ([]string, error) {
	f, err := os.Open(tl.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read turn log: %w", err)
	}
	defer f.Close()

	var (
		ghosts    []string
		malformed int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var t types.Turn
		if err := json.Unmarshal(line, &t); err != nil {
			malformed++
			continue
		}
		if t.Status == types.TurnPending {
			now := time.Now().UTC()
			t.Status = types.TurnFailed
			t.TimestampOutcome = &now
			t.Results = &types.Result{Status: "error", Error: "interrupted: process died mid-turn"}
			ghosts = append(ghosts, t.ID)
		}
		tl.turns = append(tl.turns, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan turn log: %w", err)
	}
	if malformed > 0 {
		tl.log.Warn("dropped malformed turn log lines", zap.Int("count", malformed))
	}
	if len(ghosts) > 0 {
		tl.log.Warn("recovered abandoned turns", zap.Strings("turn_ids", ghosts))
		if err := tl.rewriteLocked(); err != nil {
			return nil, err
		}
	}
	return ghosts, nil
}

// Append adds a new turn record. The scheduler writes the pending record
// at intent time, before the action runs, so a crash leaves evidence.
func (tl *TurnLog) Append(t types.Turn) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	if _, err := tl.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	tl.turns = append(tl.turns, t)
	return nil
}

// Patch finalizes a pending turn with its outcome. A turn can be patched
// exactly once; patching a terminal turn returns ErrTurnFinal.
func (tl *TurnLog) Patch(id string, status types.TurnStatus, result *types.Result) error {
	if !status.Terminal() {
		return fmt.Errorf("memory: patch status %q is not terminal", status)
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()

	for i := range tl.turns {
		if tl.turns[i].ID != id {
			continue
		}
		if tl.turns[i].Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTurnFinal, id)
		}
		now := time.Now().UTC()
		tl.turns[i].Status = status
		tl.turns[i].TimestampOutcome = &now
		tl.turns[i].Results = result
		return tl.rewriteLocked()
	}
	return fmt.Errorf("%w: %s", ErrTurnNotFound, id)
}

// Tail returns the newest n turns, oldest first.
func (tl *TurnLog) Tail(n int) []types.Turn {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	start := 0
	if n > 0 && len(tl.turns) > n {
		start = len(tl.turns) - n
	}
	out := make([]types.Turn, len(tl.turns)-start)
	copy(out, tl.turns[start:])
	return out
}

// Get returns the turn with the given id.
func (tl *TurnLog) Get(id string) (types.Turn, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for _, t := range tl.turns {
		if t.ID == id {
			return t, nil
		}
	}
	return types.Turn{}, fmt.Errorf("%w: %s", ErrTurnNotFound, id)
}

// Len reports the hot-log size.
func (tl *TurnLog) Len() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.turns)
}

// Excess returns a copy of the oldest turns beyond keep without removing
// them. Callers stage the archive copy from this before trimming, so a
// crash between the two duplicates turns instead of destroying them.
func (tl *TurnLog) Excess(keep int) []types.Turn {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if len(tl.turns) <= keep {
		return nil
	}
	cut := len(tl.turns) - keep
	out := make([]types.Turn, cut)
	copy(out, tl.turns[:cut])
	return out
}

// PruneTo drops everything but the newest keep turns and returns the
// removed prefix, oldest first, for archival.
func (tl *TurnLog) PruneTo(keep int) ([]types.Turn, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if len(tl.turns) <= keep {
		return nil, nil
	}
	cut := len(tl.turns) - keep
	removed := make([]types.Turn, cut)
	copy(removed, tl.turns[:cut])
	tl.turns = append([]types.Turn(nil), tl.turns[cut:]...)
	if err := tl.rewriteLocked(); err != nil {
		return nil, err
	}
	return removed, nil
}

// rewriteLocked replaces the log file atomically: full serialize to a
// temp file in the same directory, fsync, then rename over the original.
// A crash mid-rewrite leaves either the old or the new file, never a
// torn one.
func (tl *TurnLog) rewriteLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(tl.path), ".turnlog-*")
	if err != nil {
		return fmt.Errorf("turn log temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, t := range tl.turns {
		data, err := json.Marshal(t)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("encode turn: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("write turn log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush turn log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync turn log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close turn log temp: %w", err)
	}
	if err := os.Rename(tmpName, tl.path); err != nil {
		return fmt.Errorf("swap turn log: %w", err)
	}

	// Reopen the append handle against the new inode.
	if tl.file != nil {
		tl.file.Close()
	}
	f, err := os.OpenFile(tl.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen turn log: %w", err)
	}
	tl.file = f
	return nil
}

// LastOutcome returns the newest terminal outcome timestamp, or zero
// when the log holds none. The scheduler uses it to decide whether a
// wake needs orientation context.
func (tl *TurnLog) LastOutcome() time.Time {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for i := len(tl.turns) - 1; i >= 0; i-- {
		if ts := tl.turns[i].TimestampOutcome; ts != nil {
			return *ts
		}
	}
	return time.Time{}
}

// Close releases the append handle.
func (tl *TurnLog) Close() error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.file == nil {
		return nil
	}
	err := tl.file.Close()
	tl.file = nil
	return err
}
