package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Shaydu/mondrian/internal/types"
)

func TestPublishDelivers(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus()
	sub := bus.Subscribe("j-1")
	defer sub.Cancel()

	bus.Publish("j-1", NewEvent(EventStatusUpdate, "j-1", nil))
	select {
	case ev := <-sub.C:
		if ev.Type != EventStatusUpdate {
			t.Errorf("event type = %s, want status_update", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	// Events for other jobs do not cross streams.
	bus.Publish("j-2", NewEvent(EventStatusUpdate, "j-2", nil))
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %s for job %s", ev.Type, ev.JobID)
	default:
	}
}

func TestDropOldestOnFullBuffer(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus(WithBufferSize(2))
	sub := bus.Subscribe("j-1")
	defer sub.Cancel()

	for i := 0; i < 5; i++ {
		bus.Publish("j-1", NewEvent(EventStatusUpdate, "j-1", map[string]any{"seq": i}))
	}

	// Buffer holds the two newest events; the three oldest were dropped.
	first := <-sub.C
	second := <-sub.C
	if first.Data["seq"] != 3 || second.Data["seq"] != 4 {
		t.Errorf("buffered seqs = %v, %v; want 3, 4", first.Data["seq"], second.Data["seq"])
	}
	if bus.Dropped() != 3 {
		t.Errorf("dropped = %d, want 3", bus.Dropped())
	}
}

func TestDropHook(t *testing.T) {
	defer goleak.VerifyNone(t)
	drops := 0
	bus := NewBus(WithBufferSize(1), WithDropHook(func() { drops++ }))
	sub := bus.Subscribe("j-1")
	defer sub.Cancel()

	bus.Publish("j-1", NewEvent(EventHeartbeat, "j-1", nil))
	bus.Publish("j-1", NewEvent(EventHeartbeat, "j-1", nil))
	if drops != 1 {
		t.Errorf("drop hook fired %d times, want 1", drops)
	}
}

func TestCloseJobFlushesDone(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus()
	sub := bus.Subscribe("j-1")

	bus.CloseJob("j-1")

	ev, ok := <-sub.C
	if !ok || ev.Type != EventDone {
		t.Fatalf("first receive = (%v, %v), want done event", ev.Type, ok)
	}
	if _, ok := <-sub.C; ok {
		t.Error("channel not closed after done")
	}
	if bus.SubscriberCount("j-1") != 0 {
		t.Error("subscriber still attached after CloseJob")
	}
}

func TestCloseJobDeliversDoneToFullBuffer(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus(WithBufferSize(2))
	sub := bus.Subscribe("j-1")

	bus.Publish("j-1", NewEvent(EventStatusUpdate, "j-1", map[string]any{"seq": 0}))
	bus.Publish("j-1", NewEvent(EventStatusUpdate, "j-1", map[string]any{"seq": 1}))

	// Buffer is full; the oldest update makes room for the terminal event.
	bus.CloseJob("j-1")

	var got []EventType
	for ev := range sub.C {
		got = append(got, ev.Type)
	}
	if len(got) != 2 || got[0] != EventStatusUpdate || got[1] != EventDone {
		t.Fatalf("drained events = %v, want [status_update done]", got)
	}
}

func TestCancelDetaches(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus()
	sub := bus.Subscribe("j-1")
	sub.Cancel()
	sub.Cancel() // idempotent

	if bus.SubscriberCount("j-1") != 0 {
		t.Error("subscriber still attached after Cancel")
	}
	// Publishing to a job with no subscribers is a no-op.
	bus.Publish("j-1", NewEvent(EventStatusUpdate, "j-1", nil))
}

func TestCancelAll(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus()
	a := bus.Subscribe("j-1")
	b := bus.Subscribe("j-2")
	bus.CancelAll()

	if _, ok := <-a.C; ok {
		t.Error("subscription a not closed")
	}
	if _, ok := <-b.C; ok {
		t.Error("subscription b not closed")
	}
	// A bus that is shut down hands out dead subscriptions.
	c := bus.Subscribe("j-3")
	if _, ok := <-c.C; ok {
		t.Error("post-shutdown subscription not closed")
	}
}

func TestBroadcastReachesAllJobs(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus()
	a := bus.Subscribe("j-1")
	defer a.Cancel()
	b := bus.Subscribe("j-2")
	defer b.Cancel()

	bus.Broadcast(NewEvent(EventHeartbeat, "", nil))

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.C:
			if ev.Type != EventHeartbeat {
				t.Errorf("event type = %s, want heartbeat", ev.Type)
			}
			if ev.JobID != sub.JobID {
				t.Errorf("heartbeat job_id = %s, want %s", ev.JobID, sub.JobID)
			}
		case <-time.After(time.Second):
			t.Fatal("heartbeat not delivered")
		}
	}
}

func TestMarshalSSEFraming(t *testing.T) {
	job := &types.Job{ID: "j-abc", Status: types.StatusAnalyzing, Percentage: 37, LastThinking: "pondering"}
	ev := StatusUpdate(job)

	raw, err := ev.MarshalSSE()
	if err != nil {
		t.Fatalf("MarshalSSE failed: %v", err)
	}
	frame := string(raw)

	if !strings.HasPrefix(frame, "event: status_update\n") {
		t.Errorf("frame missing event line:\n%s", frame)
	}
	if !strings.HasSuffix(frame, "\n\n") {
		t.Error("frame missing terminating blank line")
	}

	dataLine := strings.TrimPrefix(strings.Split(frame, "\n")[1], "data: ")
	var payload map[string]any
	if err := json.Unmarshal([]byte(dataLine), &payload); err != nil {
		t.Fatalf("data line is not JSON: %v", err)
	}
	for _, key := range []string{"type", "job_id", "timestamp", "job_data"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("payload missing required key %q", key)
		}
	}
	jobData := payload["job_data"].(map[string]any)
	if jobData["llm_thinking"] != "pondering" {
		t.Errorf("job_data.llm_thinking = %v, want pondering", jobData["llm_thinking"])
	}
}
