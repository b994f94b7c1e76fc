package types

import "time"

// Advisor is one configured persona: a prompt, reference imagery, and an
// optional fine-tuned adapter. Loaded from the catalog at startup and
// treated as read-mostly; changes never affect in-flight jobs.
type Advisor struct {
	ID          string   `json:"id" yaml:"id"`
	DisplayName string   `json:"display_name" yaml:"display_name"`
	Biography   string   `json:"biography,omitempty" yaml:"biography"`
	Prompt      string   `json:"-" yaml:"prompt"`
	FocusAreas  []string `json:"focus_areas,omitempty" yaml:"focus_areas"`
	AdapterPath string   `json:"-" yaml:"adapter"`
	Category    string   `json:"category,omitempty" yaml:"category"`
}

// Profile is an image's scores along the eight fixed dimensions, either a
// read-only reference profile owned by an advisor or a transient Pass-1
// profile keyed to a job.
type Profile struct {
	ID        int64  `json:"id,omitempty"`
	AdvisorID string `json:"advisor_id"`
	ImagePath string `json:"image_path"`
	// Scores holds the eight dimension scores in canonical order. Every
	// dimension must be present for the profile to participate in retrieval.
	Scores Vector8 `json:"scores"`
	// Comments maps dimension name to the model's free-text comment.
	Comments     map[string]string `json:"comments,omitempty"`
	OverallGrade string            `json:"overall_grade,omitempty"`
	Caption      string            `json:"caption,omitempty"`
	Title        string            `json:"title,omitempty"`
	DateTaken    string            `json:"date_taken,omitempty"`
	Location     string            `json:"location,omitempty"`
	Significance string            `json:"significance,omitempty"`
	Techniques   map[string]string `json:"techniques,omitempty"`
	// Embedding, when present, is a unit-normalized vector whose length is
	// consistent across the advisor set.
	Embedding    []float32 `json:"-"`
	EmbeddingDim int       `json:"embedding_dim,omitempty"`
	// SourceJobID is empty for reference profiles and holds the owning job
	// id for transient Pass-1 profiles.
	SourceJobID string    `json:"source_job_id,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Reference reports whether p is a reference profile (ingested imagery)
// rather than a transient per-job extraction.
func (p *Profile) Reference() bool { return p.SourceJobID == "" }

// CommentFor returns the profile's comment on the given canonical dimension
// index, or the empty string.
func (p *Profile) CommentFor(dim int) string {
	if dim < 0 || dim >= DimensionCount || p.Comments == nil {
		return ""
	}
	return p.Comments[DimensionNames[dim]]
}
