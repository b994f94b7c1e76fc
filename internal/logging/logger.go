// Package logging provides config-driven categorized file-based logging for
// Mondrian. Logs are written to the configured log directory with separate
// files per category. When logging is disabled every call is a silent no-op.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem
type Category string

const (
	// Core categories
	CategoryBoot   Category = "boot"   // Startup/initialization
	CategoryAPI    Category = "api"    // HTTP front end
	CategorySSE    Category = "sse"    // Event bus and stream delivery
	CategoryEngine Category = "engine" // Job engine, worker pool
	CategoryStore  Category = "store"  // SQLite operations

	// Analysis categories
	CategoryStrategy  Category = "strategy"  // Dispatcher, fallback chains
	CategoryRetrieval Category = "retrieval" // Distribution + visual similarity
	CategoryEmbedding Category = "embedding" // Embedding engine
	CategoryModel     Category = "model"     // Model callable, adapters

	// Operations categories
	CategorySupervisor Category = "supervisor" // Child processes, reaper
	CategoryAdvisor    Category = "advisor"    // Catalog loading, hot reload
	CategoryRender     Category = "render"     // Critique composition
	CategoryIngest     Category = "ingest"     // Reference profile ingest
)

// Options controls logger behavior. The caller (process main) fills it from
// the application config so this package never imports internal/config.
type Options struct {
	Dir        string          // Log directory; empty disables file logging
	Level      string          // debug | info | warn | error
	Enabled    bool            // Master switch; false is a silent no-op
	JSONFormat bool            // Structured JSON lines instead of text
	Categories map[string]bool // Per-category enable; nil enables all
}

// StructuredLogEntry is one JSON log line.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	RequestID string                 `json:"req,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	optsMu    sync.RWMutex
	opts      Options
	logLevel  int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory. Should be called once at startup.
func Initialize(o Options) error {
	optsMu.Lock()
	opts = o
	logLevel = parseLevel(o.Level)
	optsMu.Unlock()

	if !o.Enabled || o.Dir == "" {
		return nil // Silent no-op
	}

	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== Mondrian logging initialized ===")
	boot.Info("Logs directory: %s", o.Dir)
	boot.Info("Log level: %s", o.Level)
	if len(o.Categories) > 0 {
		enabled := 0
		for _, on := range o.Categories {
			if on {
				enabled++
			}
		}
		boot.Info("Enabled categories: %d/%d", enabled, len(o.Categories))
	} else {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel changes the level at runtime.
func SetLevel(level string) {
	optsMu.Lock()
	defer optsMu.Unlock()
	opts.Level = level
	logLevel = parseLevel(level)
}

// IsEnabled returns whether logging is active at all.
func IsEnabled() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.Enabled && opts.Dir != ""
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.Enabled || opts.Dir == "" {
		return false
	}
	if opts.Categories == nil {
		return true // All enabled by default
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true // Enable by default if not specified
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if logging or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation trivial
	optsMu.RLock()
	dir := opts.Dir
	optsMu.RUnlock()
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg) // Fallback to text
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) jsonEnabled() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.JSONFormat
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.jsonEnabled() {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.jsonEnabled() {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.jsonEnabled() {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.jsonEnabled() {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// StructuredLog writes a fully structured log entry with custom fields
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	if l.jsonEnabled() {
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// API logs to the api category
func API(format string, args ...interface{}) {
	Get(CategoryAPI).Info(format, args...)
}

// APIDebug logs debug to the api category
func APIDebug(format string, args ...interface{}) {
	Get(CategoryAPI).Debug(format, args...)
}

// APIWarn logs warning to the api category
func APIWarn(format string, args ...interface{}) {
	Get(CategoryAPI).Warn(format, args...)
}

// APIError logs error to the api category
func APIError(format string, args ...interface{}) {
	Get(CategoryAPI).Error(format, args...)
}

// SSE logs to the sse category
func SSE(format string, args ...interface{}) {
	Get(CategorySSE).Info(format, args...)
}

// SSEDebug logs debug to the sse category
func SSEDebug(format string, args ...interface{}) {
	Get(CategorySSE).Debug(format, args...)
}

// SSEWarn logs warning to the sse category
func SSEWarn(format string, args ...interface{}) {
	Get(CategorySSE).Warn(format, args...)
}

// SSEError logs error to the sse category
func SSEError(format string, args ...interface{}) {
	Get(CategorySSE).Error(format, args...)
}

// Engine logs to the engine category
func Engine(format string, args ...interface{}) {
	Get(CategoryEngine).Info(format, args...)
}

// EngineDebug logs debug to the engine category
func EngineDebug(format string, args ...interface{}) {
	Get(CategoryEngine).Debug(format, args...)
}

// EngineWarn logs warning to the engine category
func EngineWarn(format string, args ...interface{}) {
	Get(CategoryEngine).Warn(format, args...)
}

// EngineError logs error to the engine category
func EngineError(format string, args ...interface{}) {
	Get(CategoryEngine).Error(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs warning to the store category
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// StoreError logs error to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Strategy logs to the strategy category
func Strategy(format string, args ...interface{}) {
	Get(CategoryStrategy).Info(format, args...)
}

// StrategyDebug logs debug to the strategy category
func StrategyDebug(format string, args ...interface{}) {
	Get(CategoryStrategy).Debug(format, args...)
}

// StrategyWarn logs warning to the strategy category
func StrategyWarn(format string, args ...interface{}) {
	Get(CategoryStrategy).Warn(format, args...)
}

// StrategyError logs error to the strategy category
func StrategyError(format string, args ...interface{}) {
	Get(CategoryStrategy).Error(format, args...)
}

// Retrieval logs to the retrieval category
func Retrieval(format string, args ...interface{}) {
	Get(CategoryRetrieval).Info(format, args...)
}

// RetrievalDebug logs debug to the retrieval category
func RetrievalDebug(format string, args ...interface{}) {
	Get(CategoryRetrieval).Debug(format, args...)
}

// RetrievalWarn logs warning to the retrieval category
func RetrievalWarn(format string, args ...interface{}) {
	Get(CategoryRetrieval).Warn(format, args...)
}

// RetrievalError logs error to the retrieval category
func RetrievalError(format string, args ...interface{}) {
	Get(CategoryRetrieval).Error(format, args...)
}

// Embedding logs to the embedding category
func Embedding(format string, args ...interface{}) {
	Get(CategoryEmbedding).Info(format, args...)
}

// EmbeddingDebug logs debug to the embedding category
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// EmbeddingWarn logs warning to the embedding category
func EmbeddingWarn(format string, args ...interface{}) {
	Get(CategoryEmbedding).Warn(format, args...)
}

// EmbeddingError logs error to the embedding category
func EmbeddingError(format string, args ...interface{}) {
	Get(CategoryEmbedding).Error(format, args...)
}

// Model logs to the model category
func Model(format string, args ...interface{}) {
	Get(CategoryModel).Info(format, args...)
}

// ModelDebug logs debug to the model category
func ModelDebug(format string, args ...interface{}) {
	Get(CategoryModel).Debug(format, args...)
}

// ModelWarn logs warning to the model category
func ModelWarn(format string, args ...interface{}) {
	Get(CategoryModel).Warn(format, args...)
}

// ModelError logs error to the model category
func ModelError(format string, args ...interface{}) {
	Get(CategoryModel).Error(format, args...)
}

// Supervisor logs to the supervisor category
func Supervisor(format string, args ...interface{}) {
	Get(CategorySupervisor).Info(format, args...)
}

// SupervisorDebug logs debug to the supervisor category
func SupervisorDebug(format string, args ...interface{}) {
	Get(CategorySupervisor).Debug(format, args...)
}

// SupervisorWarn logs warning to the supervisor category
func SupervisorWarn(format string, args ...interface{}) {
	Get(CategorySupervisor).Warn(format, args...)
}

// SupervisorError logs error to the supervisor category
func SupervisorError(format string, args ...interface{}) {
	Get(CategorySupervisor).Error(format, args...)
}

// Advisor logs to the advisor category
func Advisor(format string, args ...interface{}) {
	Get(CategoryAdvisor).Info(format, args...)
}

// AdvisorDebug logs debug to the advisor category
func AdvisorDebug(format string, args ...interface{}) {
	Get(CategoryAdvisor).Debug(format, args...)
}

// AdvisorWarn logs warning to the advisor category
func AdvisorWarn(format string, args ...interface{}) {
	Get(CategoryAdvisor).Warn(format, args...)
}

// AdvisorError logs error to the advisor category
func AdvisorError(format string, args ...interface{}) {
	Get(CategoryAdvisor).Error(format, args...)
}

// Render logs to the render category
func Render(format string, args ...interface{}) {
	Get(CategoryRender).Info(format, args...)
}

// RenderDebug logs debug to the render category
func RenderDebug(format string, args ...interface{}) {
	Get(CategoryRender).Debug(format, args...)
}

// Ingest logs to the ingest category
func Ingest(format string, args ...interface{}) {
	Get(CategoryIngest).Info(format, args...)
}

// IngestDebug logs debug to the ingest category
func IngestDebug(format string, args ...interface{}) {
	Get(CategoryIngest).Debug(format, args...)
}

// IngestError logs error to the ingest category
func IngestError(format string, args ...interface{}) {
	Get(CategoryIngest).Error(format, args...)
}

// =============================================================================
// REQUEST ID TRACING - Correlates one job's log lines across categories
// =============================================================================

// RequestLogger provides request-scoped logging with a correlation ID
type RequestLogger struct {
	logger    *Logger
	requestID string
	fields    map[string]interface{}
}

// WithRequestID creates a request-scoped logger. Mondrian uses the job id as
// the correlation id.
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Get(category),
		requestID: requestID,
		fields:    make(map[string]interface{}),
	}
}

// WithField adds a field to the request logger
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	r.fields[key] = value
	return r
}

func (r *RequestLogger) formatMsg(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if len(r.fields) > 0 {
		return fmt.Sprintf("[job:%s] %s | %v", r.requestID, msg, r.fields)
	}
	return fmt.Sprintf("[job:%s] %s", r.requestID, msg)
}

func (r *RequestLogger) Debug(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	r.logger.logger.Printf("[DEBUG] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Info(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	r.logger.logger.Printf("[INFO] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Warn(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelWarn {
		return
	}
	r.logger.logger.Printf("[WARN] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Error(format string, args ...interface{}) {
	if r.logger.logger == nil {
		return
	}
	r.logger.logger.Printf("[ERROR] %s", r.formatMsg(format, args...))
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
