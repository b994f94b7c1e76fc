package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Shaydu/mondrian/internal/render"
	"github.com/Shaydu/mondrian/internal/types"
)

var (
	analyzeAdvisor string
	analyzeMode    string
	analyzeNoWait  bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [image]",
	Short: "Submit an image for critique",
	Long: `Uploads an image to a running Mondrian server and follows the job to
completion, printing the rendered critique when it finishes.

Examples:
  mondrian analyze moonrise.jpg --advisor ansel-adams
  mondrian analyze street.jpg --advisor all --mode rag
  mondrian analyze portrait.jpg --advisor random --no-wait`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeAdvisor, "advisor", "a", "all", "Advisor id, comma list, all, or random")
	analyzeCmd.Flags().StringVarP(&analyzeMode, "mode", "m", "", "Analysis mode: baseline, rag, lora, rag_lora")
	analyzeCmd.Flags().BoolVar(&analyzeNoWait, "no-wait", false, "Print the job id and exit without streaming")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	imagePath := args[0]
	file, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("cannot read image: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, file); err != nil {
		return err
	}
	fields := map[string]string{"advisor": analyzeAdvisor}
	if analyzeMode != "" {
		fields["mode"] = analyzeMode
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	resp, err := http.Post(serverURL+"/upload", mw.FormDataContentType(), &body)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var created struct {
		JobID     string `json:"job_id"`
		StreamURL string `json:"stream_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("unexpected upload response: %w", err)
	}
	logger.Debug("job created", zap.String("job_id", created.JobID))

	if analyzeNoWait {
		fmt.Println(created.JobID)
		return nil
	}

	fmt.Printf("Job %s\n", created.JobID)
	if err := followStream(created.JobID); err != nil {
		return err
	}
	return printCritique(created.JobID)
}

// followStream tails the job's SSE feed, printing progress lines until the
// server signals done.
func followStream(jobID string) error {
	resp, err := http.Get(serverURL + "/stream/" + jobID)
	if err != nil {
		return fmt.Errorf("stream failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var event string
	lastLine := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if event == "done" {
				fmt.Println()
				return nil
			}
			if event != "status_update" {
				continue
			}
			var update struct {
				Percentage  int    `json:"percentage"`
				CurrentStep string `json:"current_step"`
				Status      string `json:"status"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &update); err != nil {
				continue
			}
			step := update.CurrentStep
			if step == "" {
				step = update.Status
			}
			progressLine := fmt.Sprintf("\r[%3d%%] %-60s", update.Percentage, step)
			if progressLine != lastLine {
				fmt.Print(progressLine)
				lastLine = progressLine
			}
		}
	}
	return scanner.Err()
}

// printCritique fetches the final job, rebuilds the markdown report, and
// renders it for the terminal.
func printCritique(jobID string) error {
	job, err := fetchJob(jobID)
	if err != nil {
		return err
	}
	if job.Status == types.StatusError {
		return fmt.Errorf("analysis failed (%s): %s", job.ErrorKind, job.ErrorMessage)
	}

	advisors, err := fetchAdvisors()
	if err != nil {
		return err
	}
	markdown := render.Compose(job, advisors)

	out, err := glamour.Render(markdown, "dark")
	if err != nil {
		// Fall back to raw markdown on odd terminals.
		fmt.Println(markdown)
		return nil
	}
	fmt.Print(out)
	return nil
}

func fetchJob(jobID string) (*types.Job, error) {
	resp, err := http.Get(serverURL + "/status/" + jobID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var job types.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func fetchAdvisors() (map[string]*types.Advisor, error) {
	resp, err := http.Get(serverURL + "/advisors")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var payload struct {
		Advisors []*types.Advisor `json:"advisors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	out := make(map[string]*types.Advisor, len(payload.Advisors))
	for _, adv := range payload.Advisors {
		out[adv.ID] = adv
	}
	return out, nil
}

// apiError turns a non-200 response into a readable error.
func apiError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%s (%s)", payload.Error, payload.Kind)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}
