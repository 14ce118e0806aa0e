package scheduler

import (
	"path/filepath"
	"testing"

	"guppi/internal/broker"
)

func TestSubsDefaults(t *testing.T) {
	s, err := OpenSubs(filepath.Join(t.TempDir(), "subs.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got := s.List()
	want := map[string]bool{
		broker.ChatGeneral:     true,
		broker.ChatSynchronous: true,
		broker.DigestStream:    true,
	}
	if len(got) != len(want) {
		t.Fatalf("defaults = %v", got)
	}
	for _, c := range got {
		if !want[c] {
			t.Errorf("unexpected default %s", c)
		}
	}
}

func TestSubsPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.json")

	s, err := OpenSubs(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Subscribe("chat:engineering"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Unsubscribe(broker.ChatGeneral); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	s2, err := OpenSubs(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	channels := map[string]bool{}
	for _, c := range s2.List() {
		channels[c] = true
	}
	if !channels["chat:engineering"] {
		t.Error("subscription lost on reopen")
	}
	if channels[broker.ChatGeneral] {
		t.Error("unsubscription lost on reopen")
	}
}

func TestSubsDenyList(t *testing.T) {
	s, err := OpenSubs(filepath.Join(t.TempDir(), "subs.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, ch := range []string{broker.ActionLog, broker.HeartbeatStream, broker.KillSwitch} {
		if err := s.Subscribe(ch); err == nil {
			t.Errorf("subscribing to %s must fail", ch)
		}
	}
}

func TestSubsSynchronousIsMandatory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.json")
	s, err := OpenSubs(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Unsubscribe(broker.ChatSynchronous); err == nil {
		t.Fatal("synchronous channel must not be unsubscribable")
	}
}
