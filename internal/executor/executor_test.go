package executor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"guppi/internal/broker"
	"guppi/internal/compute"
	"guppi/internal/memory"
	"guppi/internal/types"
)

type fakeSpawner struct {
	children []types.Identity
	notes    []string
}

func (f *fakeSpawner) Spawn(ctx context.Context, child types.Identity, note string) error {
	f.children = append(f.children, child)
	f.notes = append(f.notes, note)
	return nil
}

type fakeSubs struct {
	channels []string
}

func (f *fakeSubs) Subscribe(channel string) error {
	f.channels = append(f.channels, channel)
	return nil
}

func (f *fakeSubs) Unsubscribe(channel string) error {
	out := f.channels[:0]
	for _, c := range f.channels {
		if c != channel {
			out = append(out, c)
		}
	}
	f.channels = out
	return nil
}

func (f *fakeSubs) List() []string { return f.channels }

type fixture struct {
	exec    *Executor
	broker  *broker.Memory
	store   *memory.Store
	spawner *fakeSpawner
	subs    *fakeSubs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	b := broker.NewMemory()
	t.Cleanup(func() { b.Close() })

	store, _, err := memory.Open(memory.Options{
		Root:                root,
		EmbedModel:          "fake-embed",
		ClipboardMaxEntries: 10,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	spawner := &fakeSpawner{}
	subs := &fakeSubs{}
	gateway := compute.NewGateway(b, "", 2*time.Second, nil)
	exec := New(Config{
		OutputLimit:       200,
		ForegroundTimeout: 5 * time.Second,
		Root:              root,
	}, types.Identity{Name: "abe-test", Persona: "The Tester"}, b, store, gateway, spawner, subs, nil)

	return &fixture{exec: exec, broker: b, store: store, spawner: spawner, subs: subs}
}

func TestShellCapturesOutputAndCode(t *testing.T) {
	f := newFixture(t)
	res := f.exec.Execute(context.Background(), types.Action{
		Tool:   "shell",
		Params: map[string]any{"command": "echo out; echo err >&2; exit 3"},
	})
	if res.Status != "error" {
		t.Errorf("status = %q", res.Status)
	}
	if res.Code == nil || *res.Code != 3 {
		t.Errorf("code = %v", res.Code)
	}
	if !strings.Contains(res.Stdout, "out") || !strings.Contains(res.Stderr, "err") {
		t.Errorf("streams: stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
}

func TestShellOutputTruncated(t *testing.T) {
	f := newFixture(t)
	res := f.exec.Execute(context.Background(), types.Action{
		Tool:   "shell",
		Params: map[string]any{"command": "yes x 2>/dev/null | head -c 5000"},
	})
	if len(res.Stdout) > 200+len("\n...[OUTPUT TRUNCATED AT 200 CHARS]") {
		t.Errorf("stdout length %d exceeds cap", len(res.Stdout))
	}
	if !strings.Contains(res.Stdout, "TRUNCATED AT 200") {
		t.Error("marker missing")
	}
}

func TestWriteAndReadFileWithinRoot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.exec.Execute(ctx, types.Action{
		Tool:   "write_file",
		Params: map[string]any{"path": "notes/today.md", "content": "remember the worker"},
	})
	if res.Status != "success" {
		t.Fatalf("write: %+v", res)
	}

	res = f.exec.Execute(ctx, types.Action{
		Tool:   "read_file",
		Params: map[string]any{"path": "notes/today.md"},
	})
	if res.Status != "success" || res.Content["text"] != "remember the worker" {
		t.Fatalf("read: %+v", res)
	}
}

func TestFileCapabilitiesRefuseEscape(t *testing.T) {
	f := newFixture(t)
	res := f.exec.Execute(context.Background(), types.Action{
		Tool:   "read_file",
		Params: map[string]any{"path": "../../etc/passwd"},
	})
	if res.Status != "error" {
		t.Fatalf("escape not refused: %+v", res)
	}
}

func TestChatPostReleasesTalkingStick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.exec.Execute(ctx, types.Action{Tool: "chat_grab_stick", Params: map[string]any{}})
	if res.Status != "success" || res.Content["acquired"] != true {
		t.Fatalf("grab: %+v", res)
	}

	res = f.exec.Execute(ctx, types.Action{
		Tool:   "chat_post",
		Params: map[string]any{"text": "hello floor"},
	})
	if res.Status != "success" {
		t.Fatalf("post: %+v", res)
	}

	if holder, _ := f.broker.Get(ctx, broker.LockKey(broker.ChatGeneral)); holder != "" {
		t.Errorf("stick still held by %q after post", holder)
	}

	msgs, _ := f.broker.StreamTail(ctx, broker.ChatGeneral, 1)
	if len(msgs) != 1 || msgs[0].Values["agent"] != "abe-test (The Tester)" {
		t.Errorf("posted message = %+v", msgs)
	}
}

func TestGrabStickContended(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.broker.SetNX(ctx, broker.LockKey(broker.ChatGeneral), "rival", time.Minute); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	res := f.exec.Execute(ctx, types.Action{Tool: "chat_grab_stick", Params: map[string]any{}})
	if res.Content["acquired"] != false || res.Content["holder"] != "rival" {
		t.Errorf("contended grab = %+v", res)
	}
}

func TestSendMessageLandsInTargetInbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.exec.Execute(ctx, types.Action{
		Tool:   "send_message",
		Params: map[string]any{"to": "abe-peer", "text": "lunch?"},
	})
	if res.Status != "success" {
		t.Fatalf("send: %+v", res)
	}

	payload, err := f.broker.QueuePopNoWait(ctx, broker.Inbox("abe-peer"))
	if err != nil || payload == nil {
		t.Fatalf("inbox pop = %v, %v", payload, err)
	}
	var ev types.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != types.EventNewMessage || ev.Source != "agent:abe-test" {
		t.Errorf("event = %+v", ev)
	}
}

func TestTodoCapabilities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.exec.Execute(ctx, types.Action{
		Tool:   "todo_add",
		Params: map[string]any{"content": "check worker logs", "due_in": "1h"},
	})
	if res.Status != "success" {
		t.Fatalf("add: %+v", res)
	}
	id := res.Content["id"].(string)

	res = f.exec.Execute(ctx, types.Action{
		Tool:   "todo_snooze",
		Params: map[string]any{"id": id, "for": "2h"},
	})
	if res.Status != "success" {
		t.Fatalf("snooze: %+v", res)
	}

	res = f.exec.Execute(ctx, types.Action{Tool: "todo_list", Params: map[string]any{}})
	todos := res.Content["todos"].([]map[string]any)
	if len(todos) != 1 || todos[0]["content"] != "check worker logs" {
		t.Errorf("list = %+v", todos)
	}
}

func TestSubscriptionCapabilities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.exec.Execute(ctx, types.Action{
		Tool:   "subscribe_channel",
		Params: map[string]any{"channel": "chat:engineering"},
	})
	if res.Status != "success" {
		t.Fatalf("subscribe: %+v", res)
	}
	if len(f.subs.channels) != 1 || f.subs.channels[0] != "chat:engineering" {
		t.Errorf("subs = %v", f.subs.channels)
	}

	res = f.exec.Execute(ctx, types.Action{
		Tool:   "unsubscribe_channel",
		Params: map[string]any{"channel": "chat:engineering"},
	})
	if res.Status != "success" || len(f.subs.channels) != 0 {
		t.Errorf("unsubscribe: %+v subs=%v", res, f.subs.channels)
	}
}

func TestSpawnInstance(t *testing.T) {
	f := newFixture(t)
	res := f.exec.Execute(context.Background(), types.Action{
		Tool:   "spawn_instance",
		Params: map[string]any{"name": "abe-child", "persona": "The Scout", "note": "map the cluster"},
	})
	if res.Status != "success" {
		t.Fatalf("spawn: %+v", res)
	}
	if len(f.spawner.children) != 1 {
		t.Fatal("spawner not invoked")
	}
	child := f.spawner.children[0]
	if child.Name != "abe-child" || child.Parent != "abe-test" || child.Persona != "The Scout" {
		t.Errorf("child = %+v", child)
	}
	if f.spawner.notes[0] != "map the cluster" {
		t.Errorf("note = %q", f.spawner.notes[0])
	}
}

func TestUnknownToolIsErrorResult(t *testing.T) {
	f := newFixture(t)
	res := f.exec.Execute(context.Background(), types.Action{Tool: "teleport"})
	if res.Status != "error" || !strings.Contains(res.Error, "unknown tool") {
		t.Errorf("result = %+v", res)
	}
}

func TestQuietSet(t *testing.T) {
	for _, tool := range []string{"todo_add", "hibernate", "chat_ignore", "help"} {
		if !Quiet(tool) {
			t.Errorf("%s must be quiet", tool)
		}
	}
	for _, tool := range []string{"shell", "chat_post", "rag_search", "spawn_instance"} {
		if Quiet(tool) {
			t.Errorf("%s must not be quiet", tool)
		}
	}
}
