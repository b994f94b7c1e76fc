package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Shaydu/mondrian/internal/types"
)

var (
	jobsLimit  int
	jobsStatus string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := fetchJobs(jobsLimit, jobsStatus)
		if err != nil {
			return err
		}

		t := newTable("JOB", "IMAGE", "ADVISORS", "MODE", "STATUS", "PCT", "AGE")
		for _, job := range jobs {
			mode := string(job.RequestedMode)
			if job.ModeUsed != "" && job.ModeUsed != job.RequestedMode {
				mode = fmt.Sprintf("%s>%s", job.RequestedMode, job.ModeUsed)
			}
			t.addRow(
				shortID(job.ID),
				filepath.Base(job.ImagePath),
				fmt.Sprintf("%d", len(job.AdvisorIDs)),
				mode,
				string(job.Status),
				fmt.Sprintf("%d%%", job.Percentage),
				age(job.CreatedAt),
			)
		}
		fmt.Print(t.render())
		return nil
	},
}

func init() {
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "Maximum jobs to list")
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status (comma-separated, e.g. queued,processing)")
}

func fetchJobs(limit int, status string) ([]*types.Job, error) {
	u := fmt.Sprintf("%s/jobs?limit=%d", serverURL, limit)
	if status != "" {
		u += "&status=" + url.QueryEscape(status)
	}
	resp, err := http.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var payload struct {
		Jobs []*types.Job `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Jobs, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}
