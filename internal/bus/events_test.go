package bus

import (
	"sync/atomic"
	"testing"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := New()
	var got atomic.Int32
	b.Subscribe(TopicSettingsChanged, func(e Event) {
		if e.Topic != TopicSettingsChanged || e.Source != "command" {
			t.Errorf("unexpected event %+v", e)
		}
		got.Add(1)
	})
	b.Subscribe(TopicSettingsChanged, func(Event) { got.Add(1) })
	b.Subscribe(TopicCredentialsUpdated, func(Event) { got.Add(100) })

	b.Publish(TopicSettingsChanged, map[string]string{"aiActive": "true"}, "command")
	b.Wait()

	if got.Load() != 2 {
		t.Errorf("handlers called = %d, want 2", got.Load())
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := New()
	var ok atomic.Bool
	b.Subscribe("t", func(Event) { panic("boom") })
	b.Subscribe("t", func(Event) { ok.Store(true) })

	b.Publish("t", nil, "test")
	b.Wait()

	if !ok.Load() {
		t.Error("second handler should still run")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	id := b.Subscribe("t", func(Event) { t.Error("unsubscribed handler called") })
	if !b.Unsubscribe(id) {
		t.Fatal("Unsubscribe returned false")
	}
	if b.Unsubscribe(id) {
		t.Error("second Unsubscribe should return false")
	}
	if n := b.CountSubscribers("t"); n != 0 {
		t.Errorf("CountSubscribers = %d", n)
	}
	b.Publish("t", nil, "test")
	b.Wait()
}
