package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureSubscriber struct {
	got       chan []byte
	failed    bool
	closeOnce sync.Once
	closed    chan struct{}
}

func newCaptureSubscriber() *captureSubscriber {
	return &captureSubscriber{got: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *captureSubscriber) Send(payload []byte) error {
	if c.failed {
		return errors.New("send failed")
	}
	c.got <- payload
	return nil
}

func (c *captureSubscriber) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func receive(t *testing.T, c *captureSubscriber) Event {
	t.Helper()
	select {
	case payload := <-c.got:
		var e Event
		if err := json.Unmarshal(payload, &e); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectNothing(t *testing.T, c *captureSubscriber) {
	t.Helper()
	select {
	case payload := <-c.got:
		t.Fatalf("unexpected event delivered: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDeliversToModuleAndFirehose(t *testing.T) {
	hub := NewHub(4)
	moduleSub := newCaptureSubscriber()
	firehoseSub := newCaptureSubscriber()
	otherSub := newCaptureSubscriber()

	hub.Register("analytics", moduleSub)
	hub.Register("", firehoseSub)
	hub.Register("billing", otherSub)

	hub.Publish(Event{Type: "module.started", ModuleName: "analytics"})

	e := receive(t, moduleSub)
	if e.Type != "module.started" || e.ModuleName != "analytics" {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.At.IsZero() {
		t.Fatal("expected Publish to stamp the event time")
	}
	fe := receive(t, firehoseSub)
	if fe.ModuleName != "analytics" {
		t.Fatalf("firehose got wrong event: %+v", fe)
	}
	expectNothing(t, otherSub)
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub(0)
	sub := newCaptureSubscriber()

	hub.Register("analytics", sub)
	hub.Publish(Event{Type: "module.stopped", ModuleName: "analytics"})
	receive(t, sub)

	hub.Unregister("analytics", sub)
	hub.Publish(Event{Type: "module.started", ModuleName: "analytics"})
	expectNothing(t, sub)
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub(0)
	broken := newCaptureSubscriber()
	broken.failed = true
	healthy := newCaptureSubscriber()

	hub.Register("analytics", broken)
	hub.Register("analytics", healthy)

	hub.Publish(Event{Type: "module.alert", ModuleName: "analytics"})
	receive(t, healthy)

	hub.Publish(Event{Type: "module.alert", ModuleName: "analytics"})
	receive(t, healthy)
	select {
	case <-broken.closed:
	case <-time.After(time.Second):
		t.Fatal("expected failing subscriber to be closed")
	}
}
