package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"audiobookd/pkg/types"
)

func recvEvent(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestBusTopicFiltering(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	jobsOnly := bus.Subscribe(TopicJobs)
	everything := bus.Subscribe()
	defer bus.Unsubscribe(jobsOnly)
	defer bus.Unsubscribe(everything)

	bus.Publish(TopicHosts, types.HostAvailability{HostID: "docker:gpu-box", Available: false})
	bus.PublishJobProgress(types.JobProgress{JobID: "job-1", Status: types.JobRunning})

	if ev := recvEvent(t, jobsOnly); ev.Topic != TopicJobs {
		t.Fatalf("filtered subscriber got %q", ev.Topic)
	}
	select {
	case ev := <-jobsOnly.C():
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}

	if ev := recvEvent(t, everything); ev.Topic != TopicHosts {
		t.Fatalf("first event = %q", ev.Topic)
	}
	if ev := recvEvent(t, everything); ev.Topic != TopicJobs {
		t.Fatalf("second event = %q", ev.Topic)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe(TopicEngines)
	bus.Unsubscribe(sub)
	if _, open := <-sub.ch; open {
		t.Fatal("channel should be closed")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatal("subscriber still registered")
	}
	// double unsubscribe is harmless
	bus.Unsubscribe(sub)
}

func TestBusSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe(TopicJobs)
	defer bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.PublishJobProgress(types.JobProgress{JobID: "job-1", Processed: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
