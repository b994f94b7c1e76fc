package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Shaydu/mondrian/internal/logging"
)

// HTTPRunner calls the model-server child over HTTP. The server streams
// NDJSON lines: any number of {"type":"thinking","text":...} records followed
// by one {"type":"result","text":...} carrying the analysis JSON.
type HTTPRunner struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// NewHTTPRunner builds a runner for the model server at baseURL. The timeout
// string bounds each call; empty or invalid means 180s.
func NewHTTPRunner(baseURL, timeout string, maxRetries int) *HTTPRunner {
	d, err := time.ParseDuration(timeout)
	if err != nil || d <= 0 {
		d = 180 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPRunner{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: d},
		maxRetries: maxRetries,
	}
}

type analyzeRequest struct {
	ImagePath string `json:"image_path"`
	Prompt    string `json:"prompt"`
	Adapter   string `json:"adapter,omitempty"`
}

type streamLine struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Run posts the request and consumes the NDJSON stream, forwarding thinking
// lines into the sink. Connection failures and 429s retry with exponential
// backoff; timeouts surface as ErrModelTimeout.
func (r *HTTPRunner) Run(ctx context.Context, req Request) (string, error) {
	timer := logging.StartTimer(logging.CategoryModel, "Run")
	defer timer.Stop()

	adapter := ""
	if i := strings.Index(req.Handle, "+adapter:"); i >= 0 {
		adapter = req.Handle[i+len("+adapter:"):]
	}
	body, err := json.Marshal(analyzeRequest{
		ImagePath: req.ImageRef,
		Prompt:    req.Prompt,
		Adapter:   adapter,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal model request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 1s, 2s, 4s, ...
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			case <-ctx.Done():
				return "", r.mapErr(ctx.Err())
			}
			logging.ModelWarn("Retrying model call (attempt %d/%d): %v", attempt+1, r.maxRetries+1, lastErr)
		}

		result, err := r.callOnce(ctx, body, req.Thinking)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrModelTimeout) || errors.Is(err, ErrBadOutput) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("model call failed after %d attempts: %w", r.maxRetries+1, lastErr)
}

func (r *HTTPRunner) callOnce(ctx context.Context, body []byte, sink ThinkingSink) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create model request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return "", r.mapErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("model server rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model server returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var result string
	haveResult := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg streamLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logging.ModelDebug("Skipping malformed stream line: %.120s", line)
			continue
		}
		switch msg.Type {
		case "thinking":
			if sink != nil {
				sink(msg.Text)
			}
		case "result":
			result = msg.Text
			haveResult = true
		}
	}
	if err := scanner.Err(); err != nil {
		return "", r.mapErr(err)
	}
	if !haveResult {
		return "", fmt.Errorf("%w: stream ended without a result record", ErrBadOutput)
	}
	return result, nil
}

// mapErr folds transport errors into the callable's two failure modes where
// they apply.
func (r *HTTPRunner) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrModelTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrModelTimeout, err)
	}
	return fmt.Errorf("model request failed: %w", err)
}
