package types

// Timings records per-phase durations of a strategy run, in milliseconds.
// Pass1 and Query are zero for single-pass strategies.
type Timings struct {
	Pass1MS int64 `json:"pass1_ms,omitempty"`
	QueryMS int64 `json:"query_ms,omitempty"`
	Pass2MS int64 `json:"pass2_ms,omitempty"`
	TotalMS int64 `json:"total_ms"`
}

// Result is the outcome of one advisor's analysis of one image.
type Result struct {
	AdvisorID string   `json:"advisor_id"`
	Mode      Mode     `json:"mode_used"`
	Analysis  Analysis `json:"analysis"`
	Timings   Timings  `json:"timings"`
	// Representatives is the number of reference examples woven into the
	// Pass-2 prompt; zero for non-RAG modes.
	Representatives int `json:"representatives,omitempty"`
	// VisualHits is the number of visually similar references found; zero
	// when the visual path was unavailable.
	VisualHits int `json:"visual_hits,omitempty"`
	// Degraded is set when retrieval failed and the strategy completed with
	// an empty context block.
	Degraded      bool   `json:"degraded,omitempty"`
	AdapterHandle string `json:"adapter_handle,omitempty"`
}
