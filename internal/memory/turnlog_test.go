package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"guppi/internal/types"
)

func newTurn(id string) types.Turn {
	return types.Turn{
		ID:              id,
		Type:            types.TurnRecordType,
		Agent:           "abe-test",
		TimestampIntent: time.Now().UTC(),
		Status:          types.TurnPending,
		Reasoning:       "because",
		Action:          types.Action{Tool: "shell", Params: map[string]any{"command": "true"}},
	}
}

func openLog(t *testing.T, dir string) (*TurnLog, []string) {
	t.Helper()
	tl, ghosts, err := OpenTurnLog(filepath.Join(dir, "log.jsonl"), nil)
	if err != nil {
		t.Fatalf("open turn log: %v", err)
	}
	t.Cleanup(func() { tl.Close() })
	return tl, ghosts
}

func TestAppendAndPatch(t *testing.T) {
	tl, _ := openLog(t, t.TempDir())

	turn := newTurn("t-1")
	if err := tl.Append(turn); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tl.Patch("t-1", types.TurnCompleted, &types.Result{Status: "success", Stdout: "ok"}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	got, err := tl.Get("t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.TurnCompleted {
		t.Errorf("status = %q", got.Status)
	}
	if got.TimestampOutcome == nil {
		t.Error("outcome timestamp not set")
	}
	if got.Results == nil || got.Results.Stdout != "ok" {
		t.Errorf("results = %+v", got.Results)
	}
}

func TestPatchOnce(t *testing.T) {
	tl, _ := openLog(t, t.TempDir())

	if err := tl.Append(newTurn("t-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tl.Patch("t-1", types.TurnCompleted, &types.Result{Status: "success"}); err != nil {
		t.Fatalf("first patch: %v", err)
	}
	err := tl.Patch("t-1", types.TurnFailed, &types.Result{Status: "error"})
	if !errors.Is(err, ErrTurnFinal) {
		t.Fatalf("second patch = %v, want ErrTurnFinal", err)
	}

	got, _ := tl.Get("t-1")
	if got.Status != types.TurnCompleted {
		t.Errorf("terminal record mutated: status = %q", got.Status)
	}
}

func TestPatchUnknownTurn(t *testing.T) {
	tl, _ := openLog(t, t.TempDir())
	err := tl.Patch("missing", types.TurnFailed, nil)
	if !errors.Is(err, ErrTurnNotFound) {
		t.Fatalf("patch = %v, want ErrTurnNotFound", err)
	}
}

func TestPatchRejectsNonTerminalStatus(t *testing.T) {
	tl, _ := openLog(t, t.TempDir())
	if err := tl.Append(newTurn("t-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tl.Patch("t-1", types.TurnPending, nil); err == nil {
		t.Fatal("patch to pending must fail")
	}
}

func TestCrashRecoveryMarksPendingFailed(t *testing.T) {
	dir := t.TempDir()

	tl, _ := openLog(t, dir)
	if err := tl.Append(newTurn("t-abandoned")); err != nil {
		t.Fatalf("append: %v", err)
	}
	done := newTurn("t-done")
	if err := tl.Append(done); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tl.Patch("t-done", types.TurnCompleted, &types.Result{Status: "success"}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	tl.Close()

	// Reopen simulates a process restart with t-abandoned still pending.
	tl2, ghosts := openLog(t, dir)
	if len(ghosts) != 1 || ghosts[0] != "t-abandoned" {
		t.Fatalf("ghosts = %v, want [t-abandoned]", ghosts)
	}
	got, err := tl2.Get("t-abandoned")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.TurnFailed {
		t.Errorf("recovered status = %q", got.Status)
	}
	if got.Results == nil || got.Results.Error == "" {
		t.Error("recovered turn has no interruption marker")
	}

	// A second reopen finds nothing pending: recovery is exactly-once.
	tl2.Close()
	_, ghosts = openLog(t, dir)
	if len(ghosts) != 0 {
		t.Errorf("second recovery found ghosts: %v", ghosts)
	}
}

func TestRecoveryReopenKeepsSingleHandle(t *testing.T) {
	dir := t.TempDir()

	tl, _ := openLog(t, dir)
	if err := tl.Append(newTurn("t-abandoned")); err != nil {
		t.Fatalf("append: %v", err)
	}
	tl.Close()

	// Recovery rewrites the file, which already leaves an append handle
	// open; the open path must not stack a second one on top.
	tl2, ghosts := openLog(t, dir)
	if len(ghosts) != 1 {
		t.Fatalf("ghosts = %v", ghosts)
	}
	logPath, err := filepath.EvalSymlinks(filepath.Join(dir, "log.jsonl"))
	if err != nil {
		t.Fatalf("resolve log path: %v", err)
	}
	if n := openHandles(t, logPath); n != 1 {
		t.Errorf("log file held by %d descriptors, want 1", n)
	}

	// The surviving handle points at the rewritten file.
	after := newTurn("t-after")
	if err := tl2.Append(after); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	tl2.Close()

	tl3, ghosts := openLog(t, dir)
	if len(ghosts) != 1 || ghosts[0] != "t-after" {
		t.Fatalf("ghosts after second reopen = %v, want [t-after]", ghosts)
	}
	if tl3.Len() != 2 {
		t.Errorf("reloaded %d turns, want 2", tl3.Len())
	}
}

// openHandles counts this process's descriptors resolving to path.
func openHandles(t *testing.T, path string) int {
	t.Helper()
	fds, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("no /proc/self/fd: %v", err)
	}
	n := 0
	for _, fd := range fds {
		target, err := os.Readlink(filepath.Join("/proc/self/fd", fd.Name()))
		if err == nil && target == path {
			n++
		}
	}
	return n
}

func TestExcessCopiesWithoutRemoving(t *testing.T) {
	tl, _ := openLog(t, t.TempDir())
	for i := 0; i < 6; i++ {
		if err := tl.Append(newTurn(fmt.Sprintf("t-%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	doomed := tl.Excess(2)
	if len(doomed) != 4 || doomed[0].ID != "t-0" || doomed[3].ID != "t-3" {
		t.Fatalf("excess = %+v", doomed)
	}
	if tl.Len() != 6 {
		t.Errorf("excess mutated the log: len = %d", tl.Len())
	}
	if tl.Excess(10) != nil {
		t.Error("excess under keep must be nil")
	}
}

func TestPruneTo(t *testing.T) {
	tl, _ := openLog(t, t.TempDir())
	for i := 0; i < 10; i++ {
		if err := tl.Append(newTurn(fmt.Sprintf("t-%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	removed, err := tl.PruneTo(4)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 6 {
		t.Fatalf("removed %d turns, want 6", len(removed))
	}
	if removed[0].ID != "t-0" || removed[5].ID != "t-5" {
		t.Errorf("removed wrong range: %s..%s", removed[0].ID, removed[5].ID)
	}
	if tl.Len() != 4 {
		t.Errorf("len = %d", tl.Len())
	}
	tail := tl.Tail(0)
	if tail[0].ID != "t-6" {
		t.Errorf("oldest survivor = %s", tail[0].ID)
	}
}

func TestPruneSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	tl, _ := openLog(t, dir)
	for i := 0; i < 6; i++ {
		turn := newTurn(fmt.Sprintf("t-%d", i))
		if err := tl.Append(turn); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := tl.Patch(turn.ID, types.TurnCompleted, &types.Result{Status: "success"}); err != nil {
			t.Fatalf("patch: %v", err)
		}
	}
	if _, err := tl.PruneTo(2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	// Appends after a rewrite must land in the renamed file.
	after := newTurn("t-after")
	if err := tl.Append(after); err != nil {
		t.Fatalf("append after prune: %v", err)
	}
	tl.Close()

	tl2, _ := openLog(t, dir)
	if tl2.Len() != 3 {
		t.Fatalf("reopened len = %d, want 3", tl2.Len())
	}
	if _, err := tl2.Get("t-after"); err != nil {
		t.Errorf("post-prune append lost: %v", err)
	}
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	dir := t.TempDir()
	tl, _ := openLog(t, dir)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := tl.Append(newTurn(fmt.Sprintf("t-%d", i))); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()
	tl.Close()

	// Every record must survive a reload intact: interleaved writes would
	// produce malformed lines that recovery drops.
	tl2, _ := openLog(t, dir)
	if tl2.Len() != 20 {
		t.Fatalf("reloaded %d turns, want 20", tl2.Len())
	}
}

func TestTailAndLastOutcome(t *testing.T) {
	tl, _ := openLog(t, t.TempDir())
	if !tl.LastOutcome().IsZero() {
		t.Error("empty log has an outcome")
	}
	for i := 0; i < 5; i++ {
		turn := newTurn(fmt.Sprintf("t-%d", i))
		if err := tl.Append(turn); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := tl.Patch(turn.ID, types.TurnCompleted, &types.Result{Status: "success"}); err != nil {
			t.Fatalf("patch: %v", err)
		}
	}
	tail := tl.Tail(2)
	if len(tail) != 2 || tail[0].ID != "t-3" || tail[1].ID != "t-4" {
		t.Fatalf("tail = %+v", tail)
	}
	if tl.LastOutcome().IsZero() {
		t.Error("outcome timestamp missing after patches")
	}
}
