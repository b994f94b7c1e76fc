// Audit logging: structured JSONL events recording job, model, and child
// process lifecycles. One line per event so the trail is greppable and
// machine-parseable after the fact.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Job lifecycle events
	AuditJobCreated   AuditEventType = "job_created"
	AuditJobStarted   AuditEventType = "job_started"
	AuditJobCompleted AuditEventType = "job_completed"
	AuditJobFailed    AuditEventType = "job_failed"
	AuditJobReaped    AuditEventType = "job_reaped"

	// Per-advisor analysis events
	AuditAdvisorStarted   AuditEventType = "advisor_started"
	AuditAdvisorCompleted AuditEventType = "advisor_completed"
	AuditAdvisorFailed    AuditEventType = "advisor_failed"

	// Strategy events
	AuditModeResolved AuditEventType = "mode_resolved"
	AuditModeFallback AuditEventType = "mode_fallback"

	// Model callable events
	AuditModelCall     AuditEventType = "model_call"
	AuditModelResponse AuditEventType = "model_response"
	AuditModelError    AuditEventType = "model_error"

	// Supervisor events
	AuditChildStarted   AuditEventType = "child_started"
	AuditChildUnhealthy AuditEventType = "child_unhealthy"
	AuditChildRestarted AuditEventType = "child_restarted"
	AuditChildHalted    AuditEventType = "child_halted"

	// Ingest events
	AuditProfileIngested AuditEventType = "profile_ingested"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent is one structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	JobID      string                 `json:"job,omitempty"`
	AdvisorID  string                 `json:"advisor,omitempty"`
	Mode       string                 `json:"mode,omitempty"`
	Child      string                 `json:"child,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging, optionally scoped to a job.
type AuditLogger struct {
	jobID     string
	advisorID string
}

// InitAudit initializes the audit logging system
func InitAudit() error {
	if !IsEnabled() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	optsMu.RLock()
	dir := opts.Dir
	optsMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(dir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)
	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithJob creates an audit logger scoped to a job
func AuditWithJob(jobID string) *AuditLogger {
	return &AuditLogger{jobID: jobID}
}

// AuditWithAdvisor creates an audit logger scoped to a job and advisor
func AuditWithAdvisor(jobID, advisorID string) *AuditLogger {
	return &AuditLogger{jobID: jobID, advisorID: advisorID}
}

// =============================================================================
// AUDIT LOGGING METHODS
// =============================================================================

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsEnabled() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.JobID == "" && a.jobID != "" {
		event.JobID = a.jobID
	}
	if event.AdvisorID == "" && a.advisorID != "" {
		event.AdvisorID = a.advisorID
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// JobCreated records a new job entering the queue.
func (a *AuditLogger) JobCreated(jobID, mode string, advisors int) {
	a.Log(AuditEvent{
		EventType: AuditJobCreated,
		JobID:     jobID,
		Mode:      mode,
		Success:   true,
		Fields:    map[string]interface{}{"total_advisors": advisors},
	})
}

// JobCompleted records a job reaching done.
func (a *AuditLogger) JobCompleted(jobID string, durMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditJobCompleted,
		JobID:      jobID,
		Success:    true,
		DurationMs: durMs,
	})
}

// JobFailed records a job reaching error with a taxonomy kind.
func (a *AuditLogger) JobFailed(jobID, kind, message string) {
	a.Log(AuditEvent{
		EventType: AuditJobFailed,
		JobID:     jobID,
		Success:   false,
		Error:     kind,
		Message:   message,
	})
}

// ModeFallback records the dispatcher degrading from one mode to another.
func (a *AuditLogger) ModeFallback(jobID, advisorID, from, to, reason string) {
	a.Log(AuditEvent{
		EventType: AuditModeFallback,
		JobID:     jobID,
		AdvisorID: advisorID,
		Mode:      to,
		Success:   true,
		Message:   reason,
		Fields:    map[string]interface{}{"requested": from},
	})
}

// ChildEvent records a supervisor child transition.
func (a *AuditLogger) ChildEvent(event AuditEventType, child string, success bool, message string) {
	a.Log(AuditEvent{
		EventType: event,
		Child:     child,
		Success:   success,
		Message:   message,
	})
}
