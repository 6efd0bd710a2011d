package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()

	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeTaskCreated, Data: "tsk-1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeTaskCreated || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeTaskCreated})
	b.Publish(Event{Type: TypeTaskRunning}) // buffer full, dropped

	<-ch
	select {
	case e := <-ch:
		t.Fatalf("expected drop, got %+v", e)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()

	// Channel is closed; publishing afterwards must not panic.
	b.Publish(Event{Type: TypeTaskCompleted})
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
}
