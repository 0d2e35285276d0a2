package commands

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/roelfdiedericks/relaygate/internal/bus"
	"github.com/roelfdiedericks/relaygate/internal/settings"
)

type recordingPublisher struct {
	topics []string
}

func (p *recordingPublisher) Publish(topic string, data any, source string) {
	p.topics = append(p.topics, topic)
}

const owner = "27820000000"

func newTestManager(t *testing.T) (*Manager, *settings.Store, *recordingPublisher) {
	t.Helper()
	store := settings.New(filepath.Join(t.TempDir(), "settings.json"))
	pub := &recordingPublisher{}
	m := NewManager(func() string { return owner }, store, pub, ".")
	return m, store, pub
}

func TestOwnerActivatesAndDeactivates(t *testing.T) {
	m, store, pub := newTestManager(t)
	ctx := context.Background()

	effect, ok := m.Handle(ctx, owner, ".activateai")
	if !ok || !effect.Changed || effect.Reply == "" {
		t.Fatalf("activateai = %+v, %v", effect, ok)
	}
	if !store.Bool(settings.KeyAIActive) {
		t.Error("aiActive not set")
	}
	if len(pub.topics) != 1 || pub.topics[0] != bus.TopicSettingsChanged {
		t.Errorf("published %v", pub.topics)
	}

	effect, ok = m.Handle(ctx, owner, ".deactivate")
	if !ok || !effect.Changed {
		t.Fatalf("deactivate = %+v, %v", effect, ok)
	}
	if store.Bool(settings.KeyAIActive) {
		t.Error("aiActive still set")
	}
	if len(pub.topics) != 2 {
		t.Errorf("published %d events", len(pub.topics))
	}
}

func TestNonOwnerHasNoEffect(t *testing.T) {
	m, store, pub := newTestManager(t)

	for _, text := range []string{".activateai", ".deactivate", ".status"} {
		effect, ok := m.Handle(context.Background(), "27831111111", text)
		if ok || effect != (Effect{}) {
			t.Errorf("%s from non-owner = %+v, %v", text, effect, ok)
		}
	}
	if store.Bool(settings.KeyAIActive) || len(store.Keys()) != 0 {
		t.Error("settings changed by non-owner")
	}
	if len(pub.topics) != 0 {
		t.Error("non-owner triggered a publish")
	}
}

func TestUnknownOwnerCommandIsIgnored(t *testing.T) {
	m, store, pub := newTestManager(t)

	effect, ok := m.Handle(context.Background(), owner, ".sticker")
	if !ok {
		t.Error("owner command should be consumed")
	}
	if effect != (Effect{}) {
		t.Errorf("effect = %+v", effect)
	}
	if len(store.Keys()) != 0 || len(pub.topics) != 0 {
		t.Error("unknown command had side effects")
	}
}

func TestPlainTextIsNotACommand(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, ok := m.Handle(context.Background(), owner, "activateai please"); ok {
		t.Error("text without prefix treated as command")
	}
}

func TestAliasAndRepeat(t *testing.T) {
	m, _, pub := newTestManager(t)
	ctx := context.Background()

	m.Handle(ctx, owner, ".ACTIVATE")
	effect, _ := m.Handle(ctx, owner, ".activateai")
	if effect.Changed {
		t.Error("repeat activation reported a change")
	}
	if len(pub.topics) != 1 {
		t.Errorf("published %d events, want 1", len(pub.topics))
	}
}

func TestStatusAndHelp(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	effect, _ := m.Handle(ctx, owner, ".status")
	if effect.Reply != "AI replies are off." || effect.Changed {
		t.Errorf("status = %+v", effect)
	}

	effect, _ = m.Handle(ctx, owner, ".help")
	if !strings.Contains(effect.Reply, ".activateai") || !strings.Contains(effect.Reply, ".deactivate") {
		t.Errorf("help = %q", effect.Reply)
	}
}

func TestOwnerUnknownUntilResolved(t *testing.T) {
	store := settings.New(filepath.Join(t.TempDir(), "settings.json"))
	m := NewManager(func() string { return "" }, store, nil, ".")
	if _, ok := m.Handle(context.Background(), "", ".activateai"); ok {
		t.Error("command accepted with no owner known")
	}
}

type failingSettings struct{}

func (failingSettings) Bool(string) bool { return false }
func (failingSettings) SetBool(string, bool) (bool, error) {
	return false, errors.New("disk full")
}

func TestSaveFailureReported(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewManager(func() string { return owner }, failingSettings{}, pub, ".")

	effect, ok := m.Handle(context.Background(), owner, ".activateai")
	if !ok || effect.Err == nil || effect.Reply != replySaveFailed {
		t.Errorf("effect = %+v", effect)
	}
	if len(pub.topics) != 0 {
		t.Error("failed save published an event")
	}
}
