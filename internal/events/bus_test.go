package events

import (
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskStartedEvent{
		Job:       "job-1",
		Task:      "train_images_0",
		Kind:      "analyze-db",
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.JobID() != "job-1" {
			t.Errorf("expected job ID 'job-1', got '%s'", received.JobID())
		}
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies every subscriber of a topic gets the event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskFinishedEvent{
		Job:       "job-2",
		Task:      "a",
		Status:    "Done",
		Duration:  100 * time.Millisecond,
		Timestamp: time.Now(),
	})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.JobID() != "job-2" {
				t.Errorf("subscriber %d: expected job ID 'job-2', got '%s'", i+1, received.JobID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies that a full subscriber never blocks the publisher.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskProgressEvent{
				Job:       "job-1",
				Task:      "a",
				Progress:  float64(i) / 10,
				Timestamp: time.Now(),
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case received := <-ch:
		if received == nil {
			t.Error("received nil event")
		}
	default:
		t.Error("expected at least one event in buffer")
	}

	if got := bus.Dropped(); got != 9 {
		t.Errorf("Dropped() = %d, want 9", got)
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicJob, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close() // idempotent

	for _, c := range []<-chan Event{ch, all} {
		if _, ok := <-c; ok {
			t.Error("expected closed channel")
		}
	}

	// Subscribing after close yields a closed channel.
	if _, ok := <-bus.Subscribe(TopicJob, 1); ok {
		t.Error("expected closed channel from Subscribe after Close")
	}
}

// TestPublishAfterClose verifies that publishing to a closed bus doesn't panic.
func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()
	bus.Publish(TopicJob, JobDeletedEvent{Job: "job-1", Timestamp: time.Now()})
}

// TestTopicsAndSubscribeAll verifies topic isolation and cross-topic delivery.
func TestTopicsAndSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	jobCh := bus.Subscribe(TopicJob, 10)
	taskCh := bus.Subscribe(TopicTask, 10)
	allCh := bus.SubscribeAll(10)

	bus.Publish(TopicJob, JobSubmittedEvent{Job: "job-1", Name: "mnist", Tasks: 2, Timestamp: time.Now()})
	bus.Publish(TopicTask, TaskStartedEvent{Job: "job-1", Task: "a", Timestamp: time.Now()})

	if ev := <-jobCh; ev.EventType() != EventTypeJobSubmitted {
		t.Errorf("job channel: got %s", ev.EventType())
	}
	if ev := <-taskCh; ev.EventType() != EventTypeTaskStarted {
		t.Errorf("task channel: got %s", ev.EventType())
	}

	select {
	case ev := <-jobCh:
		t.Errorf("job channel received unexpected %s", ev.EventType())
	case <-time.After(10 * time.Millisecond):
	}

	types := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-allCh:
			types[ev.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event on all-topic channel")
		}
	}
	if !types[EventTypeJobSubmitted] || !types[EventTypeTaskStarted] {
		t.Errorf("SubscribeAll got %v", types)
	}
}

// TestUnsubscribe verifies that an unsubscribed channel is closed and no longer fed.
func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	keep := bus.Subscribe(TopicJob, 10)
	drop := bus.Subscribe(TopicJob, 10)
	all := bus.SubscribeAll(10)

	bus.Unsubscribe(drop)
	bus.Unsubscribe(all)
	bus.Unsubscribe(drop) // unknown now, ignored

	if _, ok := <-drop; ok {
		t.Error("expected unsubscribed channel to be closed")
	}
	if _, ok := <-all; ok {
		t.Error("expected unsubscribed all-topic channel to be closed")
	}

	bus.Publish(TopicJob, JobStatusEvent{Job: "job-1", Status: "Running", Timestamp: time.Now()})
	select {
	case ev := <-keep:
		if ev.EventType() != EventTypeJobStatus {
			t.Errorf("got %s", ev.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("remaining subscriber did not receive event")
	}
}
