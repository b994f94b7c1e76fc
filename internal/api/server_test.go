package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/Shaydu/mondrian/internal/advisor"
	"github.com/Shaydu/mondrian/internal/config"
	"github.com/Shaydu/mondrian/internal/engine"
	"github.com/Shaydu/mondrian/internal/events"
	"github.com/Shaydu/mondrian/internal/store"
	"github.com/Shaydu/mondrian/internal/strategy"
	"github.com/Shaydu/mondrian/internal/types"
)

// scriptedStrategy answers every analysis with a fixed outcome.
type scriptedStrategy struct {
	err error
}

func (s *scriptedStrategy) Name() types.Mode { return types.ModeBaseline }
func (s *scriptedStrategy) Available(ctx context.Context, adv *types.Advisor) (bool, string) {
	return true, ""
}
func (s *scriptedStrategy) Run(ctx context.Context, in strategy.Input) (*types.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	var a types.Analysis
	for i := range types.DimensionNames {
		a.SetDimension(i, types.DimensionScore{Score: 6, Comment: "noted"})
	}
	a.OverallGrade = "B"
	return &types.Result{AdvisorID: in.Advisor.ID, Mode: types.ModeBaseline, Analysis: a}, nil
}

type scriptedDispatcher struct {
	s strategy.Strategy
}

func (d *scriptedDispatcher) Resolve(ctx context.Context, requested types.Mode, adv *types.Advisor) (strategy.Strategy, error) {
	return d.s, nil
}

type fixture struct {
	server *Server
	ts     *httptest.Server
	store  *store.Store
	engine *engine.Engine
	upload string
}

func newFixture(t *testing.T, strat strategy.Strategy) *fixture {
	t.Helper()

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ansel.yaml"), []byte(
		"id: ansel-adams\ndisplay_name: Ansel Adams\nprompt: Judge the print.\n"), 0o644))
	cat := advisor.NewCatalog(dir, st)
	require.NoError(t, cat.Load(context.Background()))

	bus := events.NewBus()
	t.Cleanup(bus.CancelAll)

	eng := engine.New(st, cat, &scriptedDispatcher{s: strat}, bus, nil,
		config.EngineConfig{Workers: 1, QueueDepth: 16, DrainTimeout: "5s"})
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { eng.Close(context.Background()) })

	uploadDir := t.TempDir()
	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 0, UploadDir: uploadDir, MaxUploadMB: 8},
		eng, st, cat, bus, nil, nil, "test", "genai")
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{server: srv, ts: ts, store: st, engine: eng, upload: uploadDir}
}

// multipartUpload builds an upload request body. fields may omit "image".
func multipartUpload(t *testing.T, withImage bool, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if withImage {
		fw, err := mw.CreateFormFile("image", "dunes.jpg")
		require.NoError(t, err)
		_, err = fw.Write([]byte("\xff\xd8\xff fake jpeg bytes"))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (f *fixture) upload2(t *testing.T, withImage bool, fields map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	body, ctype := multipartUpload(t, withImage, fields)
	resp, err := http.Post(f.ts.URL+"/upload", ctype, body)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	resp.Body.Close()
	return resp, payload
}

func (f *fixture) waitDone(t *testing.T, jobID string) *types.Job {
	t.Helper()
	var job *types.Job
	require.Eventually(t, func() bool {
		j, err := f.store.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{})

	tests := []struct {
		name      string
		withImage bool
		fields    map[string]string
	}{
		{"missing image", false, map[string]string{"advisor": "ansel-adams"}},
		{"missing advisor", true, map[string]string{}},
		{"unknown advisor", true, map[string]string{"advisor": "nobody"}},
		{"unknown mode", true, map[string]string{"advisor": "ansel-adams", "mode": "psychic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, payload := f.upload2(t, tt.withImage, tt.fields)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, string(types.ErrKindBadInput), payload["kind"])
		})
	}

	// No job rows and no orphaned uploads from rejected requests.
	jobs, err := f.store.ListJobs(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	entries, err := os.ReadDir(f.upload)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadHappyPath(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{})

	resp, payload := f.upload2(t, true, map[string]string{"advisor": "ansel-adams"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	jobID, _ := payload["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "/stream/"+jobID, payload["stream_url"])
	assert.Equal(t, "/status/"+jobID, payload["status_url"])
	assert.Equal(t, false, payload["enable_rag"])

	// The image landed in the upload dir under a fresh name.
	entries, err := os.ReadDir(f.upload)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".jpg"))

	job := f.waitDone(t, jobID)
	assert.Equal(t, types.StatusDone, job.Status)
}

func TestUploadEnableRAGAlias(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{})

	// enable_rag applies only when mode is omitted.
	_, payload := f.upload2(t, true, map[string]string{"advisor": "ansel-adams", "enable_rag": "true", "auto_analyze": "false"})
	job, err := f.store.GetJob(context.Background(), payload["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, types.ModeRAG, job.RequestedMode)

	// An explicit mode wins over the alias.
	_, payload = f.upload2(t, true, map[string]string{"advisor": "ansel-adams", "enable_rag": "true", "mode": "baseline", "auto_analyze": "false"})
	job, err = f.store.GetJob(context.Background(), payload["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, types.ModeBaseline, job.RequestedMode)
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{})

	resp, err := http.Get(f.ts.URL + "/status/j-nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, payload := f.upload2(t, true, map[string]string{"advisor": "ansel-adams", "auto_analyze": "false"})
	jobID := payload["job_id"].(string)

	resp, err = http.Get(f.ts.URL + "/status/" + jobID)
	require.NoError(t, err)
	var job map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, jobID, job["job_id"])
	assert.Equal(t, "queued", job["status"])
	assert.Equal(t, float64(0), job["percentage"])
}

func TestStreamTerminalJob(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{})

	_, payload := f.upload2(t, true, map[string]string{"advisor": "ansel-adams"})
	jobID := payload["job_id"].(string)
	f.waitDone(t, jobID)

	resp, err := http.Get(f.ts.URL + "/stream/" + jobID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	require.Len(t, frames, 3)
	assert.True(t, strings.HasPrefix(frames[0], "event: connected\n"))
	assert.True(t, strings.HasPrefix(frames[1], "event: status_update\n"))
	assert.True(t, strings.HasPrefix(frames[2], "event: done\n"))

	// Every frame's data payload carries type, job_id, timestamp.
	for _, frame := range frames {
		_, data, ok := strings.Cut(frame, "data: ")
		require.True(t, ok)
		var fields map[string]any
		require.NoError(t, json.Unmarshal([]byte(data), &fields))
		assert.Equal(t, jobID, fields["job_id"])
		assert.NotEmpty(t, fields["type"])
		assert.NotEmpty(t, fields["timestamp"])
	}
}

func TestStreamUnknownJob(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{})
	resp, err := http.Get(f.ts.URL + "/stream/j-nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAnalysisLifecycle(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{})

	resp, err := http.Get(f.ts.URL + "/analysis/j-nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Pending job: 202 with Retry-After.
	_, payload := f.upload2(t, true, map[string]string{"advisor": "ansel-adams", "auto_analyze": "false"})
	pendingID := payload["job_id"].(string)
	resp, err = http.Get(f.ts.URL + "/analysis/" + pendingID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))

	// Finished job: a well-formed HTML page.
	_, payload = f.upload2(t, true, map[string]string{"advisor": "ansel-adams"})
	doneID := payload["job_id"].(string)
	f.waitDone(t, doneID)

	resp, err = http.Get(f.ts.URL + "/analysis/" + doneID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	doc, err := html.Parse(resp.Body)
	require.NoError(t, err)
	var sawAdvisor bool
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode && strings.Contains(n.Data, "Ansel Adams") {
			sawAdvisor = true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	assert.True(t, sawAdvisor)
}

func TestAnalysisErroredJobIs404(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{err: types.NewJobError(types.ErrKindModelTimeout, "model callable exceeded the per-call budget")})

	_, payload := f.upload2(t, true, map[string]string{"advisor": "ansel-adams"})
	jobID := payload["job_id"].(string)
	job := f.waitDone(t, jobID)
	require.Equal(t, types.StatusError, job.Status)

	resp, err := http.Get(f.ts.URL + "/analysis/" + jobID)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(types.ErrKindModelTimeout), body["kind"])
}

func TestAdvisorsEndpoints(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{})

	resp, err := http.Get(f.ts.URL + "/advisors")
	require.NoError(t, err)
	var list map[string][]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list["advisors"], 1)
	assert.Equal(t, "ansel-adams", list["advisors"][0]["id"])

	resp, err = http.Get(f.ts.URL + "/advisors/ansel-adams")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.ts.URL + "/advisors/nobody")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobsListing(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{})

	for i := 0; i < 3; i++ {
		f.upload2(t, true, map[string]string{"advisor": "ansel-adams", "auto_analyze": "false"})
	}

	resp, err := http.Get(f.ts.URL + "/jobs")
	require.NoError(t, err)
	var body struct {
		Jobs  []map[string]any `json:"jobs"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, 3, body.Count)

	resp, err = http.Get(f.ts.URL + "/jobs?limit=2")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, 2, body.Count)

	resp, err = http.Get(f.ts.URL + "/jobs?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobsStatusFilter(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{})

	var ids []string
	for i := 0; i < 3; i++ {
		_, payload := f.upload2(t, true, map[string]string{"advisor": "ansel-adams", "auto_analyze": "false"})
		ids = append(ids, payload["job_id"].(string))
	}
	_, err := f.store.MutateJob(context.Background(), ids[0], types.JobPatch{
		Status: types.Ptr(types.StatusError), ErrorKind: types.Ptr(types.ErrKindInternal),
	})
	require.NoError(t, err)

	var body struct {
		Jobs  []map[string]any `json:"jobs"`
		Count int              `json:"count"`
	}
	resp, err := http.Get(f.ts.URL + "/jobs?status=error")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.Equal(t, 1, body.Count)
	assert.Equal(t, ids[0], body.Jobs[0]["job_id"])

	resp, err = http.Get(f.ts.URL + "/jobs?status=queued,error")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, 3, body.Count)

	resp, err = http.Get(f.ts.URL + "/jobs?status=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthShape(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{})

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()

	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "genai", body["mode"])
	assert.Equal(t, float64(1), body["advisors"])
	for _, key := range []string{"jobs_active", "uptime_seconds"} {
		_, ok := body[key]
		assert.True(t, ok, "missing %s", key)
	}
}

func TestUploadAutoAnalyzeFalse(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{})

	_, payload := f.upload2(t, true, map[string]string{"advisor": "ansel-adams", "auto_analyze": "false"})
	jobID := payload["job_id"].(string)

	time.Sleep(100 * time.Millisecond)
	job, err := f.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, job.Status)
}
