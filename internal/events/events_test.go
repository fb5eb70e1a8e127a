package events

import (
	"testing"
	"time"
)

func TestPublishReachesTypedSubscriber(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe(DeviceDetected, func(e Event) { got = append(got, e) })
	bus.Subscribe(DeviceRemoved, func(e Event) { t.Error("wrong handler fired") })

	bus.Publish(Event{Type: DeviceDetected, DevicePath: "/dev/sdb1"})

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].DevicePath != "/dev/sdb1" {
		t.Errorf("DevicePath = %q", got[0].DevicePath)
	}
	if got[0].Time.IsZero() {
		t.Error("Publish should stamp a zero Time")
	}
}

func TestPublishPreservesExplicitTime(t *testing.T) {
	bus := NewBus()
	stamp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var got Event
	bus.SubscribeAll(func(e Event) { got = e })

	bus.Publish(Event{Type: SyncCompleted, Time: stamp})

	if !got.Time.Equal(stamp) {
		t.Errorf("Time = %v, want %v", got.Time, stamp)
	}
}

func TestSubscribeAllSeesEveryType(t *testing.T) {
	bus := NewBus()
	count := 0
	bus.SubscribeAll(func(e Event) { count++ })

	for _, typ := range []Type{DeviceDetected, MountFailed, SyncStarted, SyncFailed} {
		bus.Publish(Event{Type: typ})
	}
	if count != 4 {
		t.Errorf("catch-all saw %d events, want 4", count)
	}
}
