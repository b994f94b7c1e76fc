// Package types provides shared type definitions used across Mondrian packages.
// This package exists to break import cycles between store, strategy, and engine.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"fmt"
	"math"
	"strings"
)

// =============================================================================
// ANALYSIS MODES
// =============================================================================

// Mode identifies an analysis strategy.
type Mode string

const (
	ModeBaseline Mode = "baseline"
	ModeRAG      Mode = "rag"
	ModeLoRA     Mode = "lora"
	ModeRAGLoRA  Mode = "rag_lora"
)

// ParseMode validates a user-supplied mode string. The empty string maps to
// ModeBaseline so callers can treat the form field as optional.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return ModeBaseline, nil
	case ModeBaseline:
		return ModeBaseline, nil
	case ModeRAG:
		return ModeRAG, nil
	case ModeLoRA:
		return ModeLoRA, nil
	case ModeRAGLoRA:
		return ModeRAGLoRA, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// =============================================================================
// JOB STATUS AND PHASE
// =============================================================================

// Status is the coarse state of a job. Transitions are linear forward
// (queued → processing → analyzing → finalizing → done) plus error from any
// non-terminal state. Terminal states accept no outgoing transitions.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusAnalyzing  Status = "analyzing"
	StatusFinalizing Status = "finalizing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// ParseStatus validates a user-supplied status string, as used by the job
// listing filter.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusQueued, StatusProcessing, StatusAnalyzing, StatusFinalizing, StatusDone, StatusError:
		return st, nil
	default:
		return "", fmt.Errorf("invalid status %q (expected queued, processing, analyzing, finalizing, done or error)", s)
	}
}

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

var statusOrder = map[Status]int{
	StatusQueued:     0,
	StatusProcessing: 1,
	StatusAnalyzing:  2,
	StatusFinalizing: 3,
	StatusDone:       4,
}

// CanTransition reports whether moving from s to next is a legal state
// machine step.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusError {
		return true
	}
	from, ok1 := statusOrder[s]
	to, ok2 := statusOrder[next]
	if !ok1 || !ok2 {
		return false
	}
	return to == from+1 || to == from
}

// Phase is the coarse sub-step of a status, used only by the progress model.
type Phase string

const (
	PhaseImageProcessing    Phase = "image_processing"
	PhaseAdvisorPreparation Phase = "advisor_preparation"
	PhaseAdvisorAnalysis    Phase = "advisor_analysis"
	PhaseFinalizing         Phase = "finalizing"
	PhaseDone               Phase = "done"
)

// =============================================================================
// DIMENSIONS
// =============================================================================

// DimensionCount is the fixed number of scoring dimensions.
const DimensionCount = 8

// DimensionNames lists the eight scoring dimensions in canonical order.
// The order matters: dimension index is the final tie-break in retrieval
// and the JSON schema of model output uses these exact keys.
var DimensionNames = [DimensionCount]string{
	"composition",
	"lighting",
	"focus_sharpness",
	"color_harmony",
	"subject_isolation",
	"depth_perspective",
	"visual_balance",
	"emotional_impact",
}

// DimensionIndex returns the canonical index of a dimension name, or -1.
func DimensionIndex(name string) int {
	for i, n := range DimensionNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Vector8 holds one score per dimension in canonical order. A NaN entry
// marks a missing score.
type Vector8 [DimensionCount]float64

// MissingScore is the sentinel for an absent dimension score.
func MissingScore() float64 { return math.NaN() }

// Complete reports whether every dimension carries a score. Only complete
// vectors participate in distribution retrieval.
func (v Vector8) Complete() bool {
	for _, s := range v {
		if math.IsNaN(s) {
			return false
		}
	}
	return true
}

// =============================================================================
// MODEL ANALYSIS OUTPUT
// =============================================================================

// DimensionScore is one scored dimension of a model analysis.
type DimensionScore struct {
	Score   float64 `json:"score"`
	Comment string  `json:"comment"`
}

// Analysis is the schema-fixed output of one model pass: eight named
// dimensions plus an overall grade. Anything else is rejected at parse time.
type Analysis struct {
	Composition      DimensionScore `json:"composition"`
	Lighting         DimensionScore `json:"lighting"`
	FocusSharpness   DimensionScore `json:"focus_sharpness"`
	ColorHarmony     DimensionScore `json:"color_harmony"`
	SubjectIsolation DimensionScore `json:"subject_isolation"`
	DepthPerspective DimensionScore `json:"depth_perspective"`
	VisualBalance    DimensionScore `json:"visual_balance"`
	EmotionalImpact  DimensionScore `json:"emotional_impact"`
	OverallGrade     string         `json:"overall_grade"`
}

// byIndex returns pointers to the dimension fields in canonical order.
func (a *Analysis) byIndex() [DimensionCount]*DimensionScore {
	return [DimensionCount]*DimensionScore{
		&a.Composition,
		&a.Lighting,
		&a.FocusSharpness,
		&a.ColorHarmony,
		&a.SubjectIsolation,
		&a.DepthPerspective,
		&a.VisualBalance,
		&a.EmotionalImpact,
	}
}

// Dimension returns the score record for the canonical dimension index.
func (a *Analysis) Dimension(i int) DimensionScore {
	if i < 0 || i >= DimensionCount {
		return DimensionScore{}
	}
	return *a.byIndex()[i]
}

// SetDimension assigns the score record for the canonical dimension index.
func (a *Analysis) SetDimension(i int, ds DimensionScore) {
	if i < 0 || i >= DimensionCount {
		return
	}
	*a.byIndex()[i] = ds
}

// Vector extracts the eight scores in canonical order.
func (a *Analysis) Vector() Vector8 {
	var v Vector8
	for i, ds := range a.byIndex() {
		v[i] = ds.Score
	}
	return v
}

// Comments extracts the per-dimension comments keyed by dimension name.
func (a *Analysis) Comments() map[string]string {
	out := make(map[string]string, DimensionCount)
	for i, ds := range a.byIndex() {
		out[DimensionNames[i]] = ds.Comment
	}
	return out
}

// =============================================================================
// GRADES
// =============================================================================

var gradeRanks = map[string]int{
	"A+": 12, "A": 11, "A-": 10,
	"B+": 9, "B": 8, "B-": 7,
	"C+": 6, "C": 5, "C-": 4,
	"D+": 3, "D": 2, "D-": 1,
	"F": 0,
}

// GradeRank maps a letter grade to an ordinal for comparisons. Unknown or
// empty grades rank below F.
func GradeRank(grade string) int {
	if r, ok := gradeRanks[strings.ToUpper(strings.TrimSpace(grade))]; ok {
		return r
	}
	return -1
}
