package notify

import (
	"testing"
	"time"

	"github.com/whisperforge/wf-engine/internal/pipeline"
)

func stepEvent(runID, step, typ string) pipeline.Event {
	return pipeline.Event{
		RunID: runID,
		Step:  step,
		Type:  typ,
		Time:  time.Now().UTC(),
	}
}

func TestEventBusDeliversToSubscriber(t *testing.T) {
	eb := NewEventBus(16)
	ch, cancel := eb.Subscribe(Filter{})
	defer cancel()

	eb.Publish(stepEvent("run-1", "transcription", "step_start"))

	select {
	case ev := <-ch:
		if ev.Event.RunID != "run-1" || ev.Event.Step != "transcription" {
			t.Errorf("event = %+v", ev.Event)
		}
		if ev.ID == "" {
			t.Error("event missing stream ID")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEventBusFiltersByRunAndType(t *testing.T) {
	eb := NewEventBus(16)
	ch, cancel := eb.Subscribe(Filter{RunID: "run-2", Types: []string{"step_error"}})
	defer cancel()

	eb.Publish(stepEvent("run-1", "transcription", "step_error"))
	eb.Publish(stepEvent("run-2", "transcription", "step_start"))
	eb.Publish(stepEvent("run-2", "outline_creation", "step_error"))

	select {
	case ev := <-ch:
		if ev.Event.RunID != "run-2" || ev.Event.Type != "step_error" {
			t.Errorf("filter passed wrong event: %+v", ev.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("matching event not delivered")
	}

	select {
	case ev := <-ch:
		t.Errorf("unexpected extra event: %+v", ev.Event)
	default:
	}
}

func TestEventBusCancelStopsDelivery(t *testing.T) {
	eb := NewEventBus(16)
	ch, cancel := eb.Subscribe(Filter{})
	cancel()

	eb.Publish(stepEvent("run-1", "transcription", "step_start"))

	select {
	case ev := <-ch:
		t.Errorf("delivered after cancel: %+v", ev.Event)
	default:
	}
}

func TestEventBusSlowSubscriberDropsNotBlocks(t *testing.T) {
	eb := NewEventBus(4)
	_, cancel := eb.Subscribe(Filter{})
	defer cancel()

	// Channel capacity is 64; publishing more must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			eb.Publish(stepEvent("run-1", "transcription", "step_start"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestEventBusReplaySince(t *testing.T) {
	eb := NewEventBus(8)
	eb.Publish(stepEvent("run-1", "upload_validation", "step_complete"))
	eb.Publish(stepEvent("run-1", "transcription", "step_complete"))
	eb.Publish(stepEvent("run-1", "wisdom_extraction", "step_complete"))

	all := eb.ReplaySince("", Filter{})
	if len(all) != 3 {
		t.Fatalf("full replay = %d events, want 3", len(all))
	}

	since := eb.ReplaySince(all[0].ID, Filter{})
	if len(since) != 2 {
		t.Fatalf("partial replay = %d events, want 2", len(since))
	}
	if since[0].Event.Step != "transcription" {
		t.Errorf("first replayed step = %s", since[0].Event.Step)
	}
}

func TestEventBusReplayRespectsRingSize(t *testing.T) {
	eb := NewEventBus(4)
	for i := 0; i < 10; i++ {
		eb.Publish(stepEvent("run-1", "transcription", "step_start"))
	}
	if got := len(eb.ReplaySince("", Filter{})); got != 4 {
		t.Errorf("replay = %d events, want ring size 4", got)
	}
}

func TestFanoutForwardsToAllSinks(t *testing.T) {
	a := NewEventBus(4)
	b := NewEventBus(4)
	chA, cancelA := a.Subscribe(Filter{})
	chB, cancelB := b.Subscribe(Filter{})
	defer cancelA()
	defer cancelB()

	Fanout{a, b}.Publish(stepEvent("run-1", "transcription", "step_start"))

	for name, ch := range map[string]<-chan SSEEvent{"a": chA, "b": chB} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Errorf("sink %s did not receive event", name)
		}
	}
}
