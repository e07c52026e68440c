package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TopicTrackStarted, Data: TrackEvent{ChannelID: 1, ItemID: "a", Title: "song"}})

	select {
	case ev := <-ch:
		if ev.Type != TopicTrackStarted {
			t.Fatalf("type = %q, want %q", ev.Type, TopicTrackStarted)
		}
		if ev.Time.IsZero() {
			t.Fatal("publish did not stamp Time")
		}
		tr, ok := ev.Data.(TrackEvent)
		if !ok || tr.Title != "song" {
			t.Fatalf("data = %#v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: TopicQueueChanged})
	}

	// Buffer of one holds exactly one event; the rest were dropped.
	if got := len(ch); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}

	// Publishing after unsubscribe must not panic or deliver.
	b.Publish(Event{Type: TopicChannelStatus})
}

func TestUnsubscribeDuringPublishStorm(t *testing.T) {
	t.Parallel()

	b := New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			b.Publish(Event{Type: TopicChannelStatus})
		}
	}()

	// Subscribers come and go while the publisher hammers the bus. Closing
	// must never collide with an in-flight send.
	for i := 0; i < 200; i++ {
		ch, unsub := b.Subscribe(1)
		select {
		case <-ch:
		default:
		}
		unsub()
	}
	<-done
}

func TestFanoutIsolatesSubscribers(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(2)
	defer unsubA()
	c, unsubC := b.Subscribe(2)
	unsubC()

	b.Publish(Event{Type: TopicTrackEnded})

	select {
	case <-a:
	case <-time.After(time.Second):
		t.Fatal("live subscriber missed the event")
	}
	select {
	case _, ok := <-c:
		if ok {
			t.Fatal("unsubscribed channel received an event")
		}
	default:
	}
}
