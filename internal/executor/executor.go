// Package executor dispatches decided actions to their capabilities:
// subprocess execution, filesystem access, chat, memory management,
// compute offload and instance spawning. Every outcome is a Result; the
// executor never panics the loop and never lets raw output past the
// output cap.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"guppi/internal/broker"
	"guppi/internal/compute"
	"guppi/internal/memory"
	"guppi/internal/types"
)

// ErrUnknownTool means the decided action names no capability.
var ErrUnknownTool = errors.New("executor: unknown tool")

// Spawner provisions a new agent instance. The real implementation
// shells out to the provisioning collaborator; tests stub it.
type Spawner interface {
	Spawn(ctx context.Context, child types.Identity, note string) error
}

// Subscriptions is the scheduler's runtime stream-subscription registry.
type Subscriptions interface {
	Subscribe(channel string) error
	Unsubscribe(channel string) error
	List() []string
}

// Config holds the execution policy.
type Config struct {
	// OutputLimit is the byte cap on captured stdout/stderr.
	OutputLimit int
	// ForegroundTimeout bounds a foreground subprocess.
	ForegroundTimeout time.Duration
	// MaxConcurrentSubprocs caps simultaneous subprocesses.
	MaxConcurrentSubprocs int64
	// Root is the agent's private filesystem root; file capabilities
	// cannot reach outside it.
	Root string
}

// Executor binds capabilities to their backing services.
type Executor struct {
	cfg      Config
	identity types.Identity
	broker   broker.Broker
	store    *memory.Store
	gateway  *compute.Gateway
	spawner  Spawner
	subs     Subscriptions
	procs    *semaphore.Weighted
	log      *zap.Logger
}

// New builds an Executor. Nil gateway, spawner or subscriptions disable
// the corresponding capabilities with a clean error result.
func New(cfg Config, identity types.Identity, b broker.Broker, store *memory.Store,
	gateway *compute.Gateway, spawner Spawner, subs Subscriptions, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = 20000
	}
	if cfg.ForegroundTimeout <= 0 {
		cfg.ForegroundTimeout = 150 * time.Second
	}
	if cfg.MaxConcurrentSubprocs <= 0 {
		cfg.MaxConcurrentSubprocs = 4
	}
	return &Executor{
		cfg:      cfg,
		identity: identity,
		broker:   b,
		store:    store,
		gateway:  gateway,
		spawner:  spawner,
		subs:     subs,
		procs:    semaphore.NewWeighted(cfg.MaxConcurrentSubprocs),
		log:      logger,
	}
}

// quiet capabilities complete without waking the loop again: no
// TaskCompleted event is enqueued for them.
var quiet = map[string]bool{
	"help":                true,
	"manage_clipboard":    true,
	"todo_add":            true,
	"todo_snooze":         true,
	"todo_list":           true,
	"subscribe_channel":   true,
	"unsubscribe_channel": true,
	"chat_ignore":         true,
	"hibernate":           true,
}

// Quiet reports whether a capability completes silently.
func Quiet(tool string) bool { return quiet[tool] }

// Execute runs one action to completion and returns its Result. Errors
// become error results; the loop itself never sees a Go error from a
// capability.
func (e *Executor) Execute(ctx context.Context, action types.Action) *types.Result {
	e.log.Debug("executing action", zap.String("tool", action.Tool))

	var (
		res *types.Result
		err error
	)
	switch action.Tool {
	case "help":
		res = e.help()
	case "shell":
		res, err = e.shell(ctx, action)
	case "write_file":
		res, err = e.writeFile(action)
	case "read_file":
		res, err = e.readFile(action)
	case "manage_clipboard":
		res, err = e.manageClipboard(action)
	case "chat_post":
		res, err = e.chatPost(ctx, action)
	case "chat_history":
		res, err = e.chatHistory(ctx, action)
	case "chat_grab_stick":
		res, err = e.chatGrabStick(ctx, action)
	case "chat_ignore":
		res = &types.Result{Status: "success", Content: map[string]any{"note": "message acknowledged, no reply"}}
	case "send_message":
		res, err = e.sendMessage(ctx, action)
	case "rag_search":
		res, err = e.ragSearch(ctx, action)
	case "compute_push":
		res, err = e.computePush(ctx, action)
	case "todo_add":
		res, err = e.todoAdd(ctx, action)
	case "todo_snooze":
		res, err = e.todoSnooze(ctx, action)
	case "todo_list":
		res, err = e.todoList(ctx)
	case "subscribe_channel":
		res, err = e.subscribe(action, true)
	case "unsubscribe_channel":
		res, err = e.subscribe(action, false)
	case "spawn_instance":
		res, err = e.spawnInstance(ctx, action)
	case "hibernate":
		res = &types.Result{Status: "success", Content: map[string]any{"note": "entering hibernation"}}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownTool, action.Tool)
	}

	if err != nil {
		e.log.Warn("action failed", zap.String("tool", action.Tool), zap.Error(err))
		return types.ErrorResult(err)
	}
	return res
}

func (e *Executor) help() *types.Result {
	tools := []string{
		"help", "shell", "write_file", "read_file", "manage_clipboard",
		"chat_post", "chat_history", "chat_grab_stick", "chat_ignore",
		"send_message", "rag_search", "compute_push",
		"todo_add", "todo_snooze", "todo_list",
		"subscribe_channel", "unsubscribe_channel",
		"spawn_instance", "hibernate",
	}
	sort.Strings(tools)
	return &types.Result{Status: "success", Content: map[string]any{"tools": tools}}
}

func (e *Executor) shell(ctx context.Context, action types.Action) (*types.Result, error) {
	command := action.Param("command")
	if command == "" {
		return nil, fmt.Errorf("shell: missing command")
	}

	if err := e.procs.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("shell: subprocess slot: %w", err)
	}
	defer e.procs.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.ForegroundTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = e.cfg.Root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	res := &types.Result{
		Stdout: Truncate(stdout.String(), e.cfg.OutputLimit),
		Stderr: Truncate(stderr.String(), e.cfg.OutputLimit),
	}
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.Status = "error"
		res.Error = fmt.Sprintf("command timed out after %s", e.cfg.ForegroundTimeout)
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code := exitErr.ExitCode()
			res.Status = "error"
			res.Code = &code
			res.Error = fmt.Sprintf("exit status %d", code)
		} else {
			return nil, fmt.Errorf("shell: %w", runErr)
		}
	default:
		code := 0
		res.Status = "success"
		res.Code = &code
	}

	e.log.Info("shell command finished",
		zap.String("status", res.Status),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

// resolvePath confines a capability path to the agent root.
func (e *Executor) resolvePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("missing path")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.cfg.Root, p)
	}
	clean := filepath.Clean(p)
	root := filepath.Clean(e.cfg.Root)
	if clean != root && !strings.HasPrefix(clean, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes the agent root", p)
	}
	return clean, nil
}

func (e *Executor) writeFile(action types.Action) (*types.Result, error) {
	path, err := e.resolvePath(action.Param("path"))
	if err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	content := action.Param("content")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	return &types.Result{Status: "success", Content: map[string]any{
		"path":  path,
		"bytes": len(content),
	}}, nil
}

func (e *Executor) readFile(action types.Action) (*types.Result, error) {
	path, err := e.resolvePath(action.Param("path"))
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}
	return &types.Result{Status: "success", Content: map[string]any{
		"path": path,
		"text": Truncate(string(data), e.cfg.OutputLimit),
	}}, nil
}

func (e *Executor) manageClipboard(action types.Action) (*types.Result, error) {
	switch op := action.Param("op"); op {
	case "add":
		text := action.Param("text")
		if text == "" {
			return nil, fmt.Errorf("manage_clipboard: add needs text")
		}
		if err := e.store.Clipboard.Add(text); err != nil {
			return nil, fmt.Errorf("manage_clipboard: %w", err)
		}
		return &types.Result{Status: "success"}, nil
	case "list", "":
		entries := e.store.Clipboard.Entries()
		notes := make([]string, len(entries))
		for i, en := range entries {
			notes[i] = en.Text
		}
		return &types.Result{Status: "success", Content: map[string]any{"notes": notes}}, nil
	case "clear":
		if err := e.store.Clipboard.Clear(); err != nil {
			return nil, fmt.Errorf("manage_clipboard: %w", err)
		}
		return &types.Result{Status: "success"}, nil
	default:
		return nil, fmt.Errorf("manage_clipboard: unknown op %q", op)
	}
}

func (e *Executor) chatPost(ctx context.Context, action types.Action) (*types.Result, error) {
	channel := action.Param("channel")
	if channel == "" {
		channel = broker.ChatGeneral
	}
	text := action.Param("text")
	if text == "" {
		return nil, fmt.Errorf("chat_post: missing text")
	}

	id, err := e.broker.StreamAdd(ctx, channel, map[string]any{
		"agent": e.identity.Display(),
		"text":  text,
		"ts":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("chat_post: %w", err)
	}
	// Posting releases the talking stick if this agent held it.
	if err := e.broker.Del(ctx, broker.LockKey(channel)); err != nil {
		e.log.Warn("release talking stick", zap.String("channel", channel), zap.Error(err))
	}
	return &types.Result{Status: "success", Content: map[string]any{"channel": channel, "id": id}}, nil
}

func (e *Executor) chatHistory(ctx context.Context, action types.Action) (*types.Result, error) {
	channel := action.Param("channel")
	if channel == "" {
		channel = broker.ChatGeneral
	}
	msgs, err := e.broker.StreamTail(ctx, channel, 20)
	if err != nil {
		return nil, fmt.Errorf("chat_history: %w", err)
	}
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = fmt.Sprintf("[%s] %s: %s", m.Values["ts"], m.Values["agent"], m.Values["text"])
	}
	return &types.Result{Status: "success", Content: map[string]any{
		"channel": channel,
		"history": Truncate(strings.Join(lines, "\n"), e.cfg.OutputLimit),
	}}, nil
}

func (e *Executor) chatGrabStick(ctx context.Context, action types.Action) (*types.Result, error) {
	channel := action.Param("channel")
	if channel == "" {
		channel = broker.ChatGeneral
	}
	won, err := e.broker.SetNX(ctx, broker.LockKey(channel), e.identity.Name, 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("chat_grab_stick: %w", err)
	}
	holder := ""
	if !won {
		holder, _ = e.broker.Get(ctx, broker.LockKey(channel))
	}
	return &types.Result{Status: "success", Content: map[string]any{
		"acquired": won,
		"holder":   holder,
	}}, nil
}

func (e *Executor) sendMessage(ctx context.Context, action types.Action) (*types.Result, error) {
	target := action.Param("to")
	text := action.Param("text")
	if target == "" || text == "" {
		return nil, fmt.Errorf("send_message: needs to and text")
	}
	body, _ := json.Marshal(text)
	ev := types.Event{
		ID:        "msg-" + uuid.NewString(),
		Agent:     target,
		Timestamp: time.Now().UTC(),
		Type:      types.EventNewMessage,
		Source:    "agent:" + e.identity.Name,
		Content:   body,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("send_message: %w", err)
	}
	if err := e.broker.QueuePush(ctx, broker.Inbox(target), payload); err != nil {
		return nil, fmt.Errorf("send_message: %w", err)
	}
	return &types.Result{Status: "success", Content: map[string]any{"to": target}}, nil
}

func (e *Executor) ragSearch(ctx context.Context, action types.Action) (*types.Result, error) {
	query := action.Param("query")
	if query == "" {
		return nil, fmt.Errorf("rag_search: missing query")
	}
	if e.gateway == nil {
		return nil, fmt.Errorf("rag_search: no compute gateway configured")
	}

	vec, model, err := e.gateway.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag_search: %w", err)
	}
	matches, err := e.store.Index.Search(ctx, vec, model, 5)
	if err != nil {
		return nil, fmt.Errorf("rag_search: %w", err)
	}

	hits := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		ep, err := e.store.Episodes.Get(ctx, m.EpisodeID)
		if err != nil {
			continue
		}
		hits = append(hits, map[string]any{
			"episode_id": ep.ID,
			"score":      m.Score,
			"summary":    ep.Summary,
		})
	}
	return &types.Result{Status: "success", Content: map[string]any{"hits": hits}}, nil
}

func (e *Executor) computePush(ctx context.Context, action types.Action) (*types.Result, error) {
	if e.gateway == nil {
		return nil, fmt.Errorf("compute_push: no compute gateway configured")
	}
	taskType := action.Param("task_type")
	content := action.Param("content")
	if taskType == "" || content == "" {
		return nil, fmt.Errorf("compute_push: needs task_type and content")
	}
	taskID, err := e.gateway.SubmitAsync(ctx, taskType, content, broker.Inbox(e.identity.Name))
	if err != nil {
		return nil, fmt.Errorf("compute_push: %w", err)
	}
	return &types.Result{Status: "success", Content: map[string]any{"task_id": taskID}}, nil
}

func (e *Executor) todoAdd(ctx context.Context, action types.Action) (*types.Result, error) {
	content := action.Param("content")
	if content == "" {
		return nil, fmt.Errorf("todo_add: missing content")
	}
	due, err := parseWhen(action.Param("due"), action.Param("due_in"))
	if err != nil {
		return nil, fmt.Errorf("todo_add: %w", err)
	}
	id, err := e.store.Todos.Add(ctx, content, due)
	if err != nil {
		return nil, fmt.Errorf("todo_add: %w", err)
	}
	return &types.Result{Status: "success", Content: map[string]any{"id": id, "due": due.Format(time.RFC3339)}}, nil
}

func (e *Executor) todoSnooze(ctx context.Context, action types.Action) (*types.Result, error) {
	id := action.Param("id")
	if id == "" {
		return nil, fmt.Errorf("todo_snooze: missing id")
	}
	until, err := parseWhen(action.Param("until"), action.Param("for"))
	if err != nil {
		return nil, fmt.Errorf("todo_snooze: %w", err)
	}
	if err := e.store.Todos.Snooze(ctx, id, until); err != nil {
		return nil, fmt.Errorf("todo_snooze: %w", err)
	}
	return &types.Result{Status: "success", Content: map[string]any{"until": until.Format(time.RFC3339)}}, nil
}

func (e *Executor) todoList(ctx context.Context) (*types.Result, error) {
	todos, err := e.store.Todos.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("todo_list: %w", err)
	}
	items := make([]map[string]any, len(todos))
	for i, td := range todos {
		items[i] = map[string]any{
			"id":      td.ID,
			"content": td.Content,
			"due":     td.Due.Format(time.RFC3339),
		}
	}
	return &types.Result{Status: "success", Content: map[string]any{"todos": items}}, nil
}

func (e *Executor) subscribe(action types.Action, on bool) (*types.Result, error) {
	if e.subs == nil {
		return nil, fmt.Errorf("subscriptions not available")
	}
	channel := action.Param("channel")
	if channel == "" {
		return nil, fmt.Errorf("missing channel")
	}
	var err error
	if on {
		err = e.subs.Subscribe(channel)
	} else {
		err = e.subs.Unsubscribe(channel)
	}
	if err != nil {
		return nil, err
	}
	return &types.Result{Status: "success", Content: map[string]any{"subscribed": e.subs.List()}}, nil
}

func (e *Executor) spawnInstance(ctx context.Context, action types.Action) (*types.Result, error) {
	if e.spawner == nil {
		return nil, fmt.Errorf("spawn_instance: no spawner configured")
	}
	name := action.Param("name")
	if name == "" {
		return nil, fmt.Errorf("spawn_instance: missing name")
	}
	child := types.Identity{
		Name:    name,
		Parent:  e.identity.Name,
		Persona: action.Param("persona"),
	}
	if err := e.spawner.Spawn(ctx, child, action.Param("note")); err != nil {
		return nil, fmt.Errorf("spawn_instance: %w", err)
	}
	return &types.Result{Status: "success", Content: map[string]any{"child": name}}, nil
}

// parseWhen accepts either an absolute RFC3339 time or a relative
// duration, defaulting to one hour out when both are empty.
func parseWhen(abs, rel string) (time.Time, error) {
	if abs != "" {
		t, err := time.Parse(time.RFC3339, abs)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad timestamp %q: %w", abs, err)
		}
		return t.UTC(), nil
	}
	if rel != "" {
		d, err := time.ParseDuration(rel)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad duration %q: %w", rel, err)
		}
		return time.Now().UTC().Add(d), nil
	}
	return time.Now().UTC().Add(time.Hour), nil
}
