// Package render composes the finished critique document. The canonical
// form is markdown, stored on the job and rendered by the CLI; the web page
// wraps the same content in HTML.
package render

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Shaydu/mondrian/internal/types"
)

// Compose builds the combined critique markdown for a finished job:
// one section per advisor in the job's advisor order, with the overall
// grade, a dimension score table, and the per-dimension comments.
// Deterministic for a given job.
func Compose(job *types.Job, advisors map[string]*types.Advisor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Critique: %s\n\n", filepath.Base(job.ImagePath))
	fmt.Fprintf(&b, "Mode: **%s** · Advisors: %d\n", job.ModeUsed, len(job.AdvisorIDs))

	for _, id := range job.AdvisorIDs {
		res, ok := job.Results[id]
		if !ok || res == nil {
			continue
		}
		name := id
		if adv, ok := advisors[id]; ok && adv.DisplayName != "" {
			name = adv.DisplayName
		}
		b.WriteString("\n---\n\n")
		fmt.Fprintf(&b, "## %s: Grade %s\n\n", name, res.Analysis.OverallGrade)
		if res.Degraded {
			b.WriteString("_Reference retrieval was unavailable; this critique ran without portfolio context._\n\n")
		}

		b.WriteString("| Dimension | Score |\n|---|---|\n")
		for i, dim := range types.DimensionNames {
			fmt.Fprintf(&b, "| %s | %.1f |\n", dimensionLabel(dim), res.Analysis.Dimension(i).Score)
		}
		b.WriteString("\n")

		for i, dim := range types.DimensionNames {
			ds := res.Analysis.Dimension(i)
			if ds.Comment == "" {
				continue
			}
			fmt.Fprintf(&b, "**%s** (%.1f): %s\n\n", dimensionLabel(dim), ds.Score, ds.Comment)
		}
	}
	return b.String()
}

// dimensionLabel turns a canonical dimension key into its display form,
// e.g. "focus_sharpness" -> "Focus Sharpness".
func dimensionLabel(dim string) string {
	words := strings.Split(dim, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
