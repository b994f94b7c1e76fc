// Package events is the per-job SSE bus: a broadcast channel per job with
// bounded, lossy per-subscriber buffers. Publish order per job follows store
// commit order because the engine publishes inside its mutation sections.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shaydu/mondrian/internal/types"
)

// EventType names an SSE event.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventHeartbeat        EventType = "heartbeat"
	EventStatusUpdate     EventType = "status_update"
	EventAnalysisComplete EventType = "analysis_complete"
	EventDone             EventType = "done"
)

// Event is one SSE bus message. Every payload carries at least type, job_id
// and timestamp.
type Event struct {
	Type      EventType      `json:"type"`
	JobID     string         `json:"job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"-"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, jobID string, data map[string]any) Event {
	return Event{Type: t, JobID: jobID, Timestamp: time.Now().UTC(), Data: data}
}

// StatusUpdate builds a status_update event carrying a snapshot of the job.
func StatusUpdate(job *types.Job) Event {
	return NewEvent(EventStatusUpdate, job.ID, map[string]any{"job_data": job})
}

// payload flattens Data alongside the required keys.
func (e Event) payload() map[string]any {
	out := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = string(e.Type)
	out["job_id"] = e.JobID
	out["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	return out
}

// MarshalSSE renders the standard wire framing: an event line, a data line
// with the JSON payload, and a terminating blank line.
func (e Event) MarshalSSE() ([]byte, error) {
	data, err := json.Marshal(e.payload())
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}
	return []byte("event: " + string(e.Type) + "\ndata: " + string(data) + "\n\n"), nil
}
