package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Event{Topic: TopicBoredRun})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Topic != TopicBoredRun {
				t.Fatalf("subscriber %d got topic %q", i, ev.Topic)
			}
			if ev.Time.IsZero() {
				t.Fatalf("publish must stamp the event time")
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Topic: TopicRaidEnd, Data: true})
	b.Publish(Event{Topic: TopicRaidEnd, Data: false})

	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	ev := <-ch
	if large, _ := ev.Data.(bool); !large {
		t.Fatalf("the first event should survive, got %+v", ev)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Topic: TopicBoredRun, Time: time.Now()})

	if _, ok := <-ch; ok {
		t.Fatalf("closed subscription must not receive events")
	}
}
