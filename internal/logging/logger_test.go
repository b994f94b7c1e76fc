package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func initForTest(t *testing.T, o Options) string {
	t.Helper()
	tempDir := t.TempDir()
	if o.Dir == "" {
		o.Dir = tempDir
	}
	CloseAll()
	CloseAudit()
	if err := Initialize(o); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		CloseAll()
		CloseAudit()
		Initialize(Options{})
	})
	return o.Dir
}

// TestAllCategoriesLog verifies every category creates its log file when enabled.
func TestAllCategoriesLog(t *testing.T) {
	dir := initForTest(t, Options{Enabled: true, Level: "debug"})

	categories := []Category{
		CategoryBoot, CategoryAPI, CategorySSE, CategoryEngine, CategoryStore,
		CategoryStrategy, CategoryRetrieval, CategoryEmbedding, CategoryModel,
		CategorySupervisor, CategoryAdvisor, CategoryRender, CategoryIngest,
	}
	for _, cat := range categories {
		Get(cat).Info("hello from %s", cat)
	}
	CloseAll()

	date := time.Now().Format("2006-01-02")
	for _, cat := range categories {
		path := filepath.Join(dir, date+"_"+string(cat)+".log")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Errorf("category %s: expected log file, got error: %v", cat, err)
			continue
		}
		if !strings.Contains(string(data), "hello from "+string(cat)) {
			t.Errorf("category %s: log file missing message", cat)
		}
	}
}

func TestDisabledLoggingIsNoOp(t *testing.T) {
	dir := t.TempDir()
	CloseAll()
	if err := Initialize(Options{Enabled: false, Dir: dir}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	Engine("should not appear")
	StoreError("should not appear either")
	CloseAll()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("disabled logging wrote %d files", len(entries))
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := initForTest(t, Options{Enabled: true, Level: "warn"})

	l := Get(CategoryEngine)
	l.Debug("debug line")
	l.Info("info line")
	l.Warn("warn line")
	l.Error("error line")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date+"_engine.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Error("below-threshold lines were written")
	}
	if !strings.Contains(out, "warn line") || !strings.Contains(out, "error line") {
		t.Error("at-threshold lines missing")
	}
}

func TestCategoryFilter(t *testing.T) {
	dir := initForTest(t, Options{
		Enabled:    true,
		Level:      "debug",
		Categories: map[string]bool{"engine": true, "store": false},
	})

	Engine("engine on")
	Store("store off")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	if _, err := os.Stat(filepath.Join(dir, date+"_engine.log")); err != nil {
		t.Errorf("enabled category missing log file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, date+"_store.log")); !os.IsNotExist(err) {
		t.Error("disabled category produced a log file")
	}
}

func TestConcurrentLogging(t *testing.T) {
	initForTest(t, Options{Enabled: true, Level: "debug"})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Engine("worker %d line %d", n, j)
				SSEDebug("worker %d sse %d", n, j)
			}
		}(i)
	}
	wg.Wait()
}

func TestRequestLoggerCorrelation(t *testing.T) {
	dir := initForTest(t, Options{Enabled: true, Level: "debug"})

	rl := WithRequestID(CategoryEngine, "j-abc123").WithField("advisor", "ansel")
	rl.Info("advisor analysis started")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date+"_engine.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "[job:j-abc123]") {
		t.Error("request logger did not prefix the job id")
	}
}

func TestTimerLogsDuration(t *testing.T) {
	dir := initForTest(t, Options{Enabled: true, Level: "debug"})

	timer := StartTimer(CategoryStore, "mutate_job")
	time.Sleep(5 * time.Millisecond)
	if elapsed := timer.Stop(); elapsed < 5*time.Millisecond {
		t.Errorf("timer elapsed %v, want >= 5ms", elapsed)
	}
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date+"_store.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "mutate_job completed in") {
		t.Error("timer did not log the operation duration")
	}
}

func TestTimerStopWithInfoLogsAtInfo(t *testing.T) {
	dir := initForTest(t, Options{Enabled: true, Level: "info"})

	timer := StartTimer(CategoryEmbedding, "IndexImage")
	timer.StopWithInfo()
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date+"_embedding.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "IndexImage completed in") {
		t.Error("StopWithInfo did not log the operation duration")
	}
}

func TestAuditTrail(t *testing.T) {
	dir := initForTest(t, Options{Enabled: true, Level: "debug"})
	if err := InitAudit(); err != nil {
		t.Fatalf("InitAudit: %v", err)
	}

	Audit().JobCreated("j-1", "rag", 3)
	AuditWithJob("j-1").JobFailed("j-1", "parse_error", "bad schema after retry")
	Audit().ModeFallback("j-1", "ansel", "lora", "rag", "adapter missing")
	CloseAudit()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date+"_audit.log"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var events []AuditEvent
	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("audit line is not JSON: %v\n%s", err, line)
		}
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 audit events, got %d", len(events))
	}
	if events[0].EventType != AuditJobCreated || events[0].Mode != "rag" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Error != "parse_error" {
		t.Errorf("job_failed should carry the kind, got %q", events[1].Error)
	}
	if events[2].Fields["requested"] != "lora" {
		t.Errorf("fallback should record the requested mode, got %v", events[2].Fields)
	}
}
