package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Shaydu/mondrian/internal/types"
)

// ParseAnalysis strictly decodes model output into the eight-dimension
// schema. A fenced ```json block is tolerated; every dimension and an
// overall grade must be present; anything else is ErrBadOutput.
func ParseAnalysis(raw string) (*types.Analysis, error) {
	text := stripFences(strings.TrimSpace(raw))
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", ErrBadOutput)
	}

	// First decode loosely to detect missing dimensions: absent keys decode
	// to zero structs, indistinguishable from a genuine zero score otherwise.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", ErrBadOutput, err)
	}
	for _, dim := range types.DimensionNames {
		if _, ok := probe[dim]; !ok {
			return nil, fmt.Errorf("%w: missing dimension %q", ErrBadOutput, dim)
		}
	}
	if _, ok := probe["overall_grade"]; !ok {
		return nil, fmt.Errorf("%w: missing overall_grade", ErrBadOutput)
	}

	var analysis types.Analysis
	if err := json.Unmarshal([]byte(text), &analysis); err != nil {
		return nil, fmt.Errorf("%w: schema mismatch: %v", ErrBadOutput, err)
	}

	for i := 0; i < types.DimensionCount; i++ {
		score := analysis.Dimension(i).Score
		if score < 0 || score > 10 {
			return nil, fmt.Errorf("%w: %s score %v outside [0,10]", ErrBadOutput, types.DimensionNames[i], score)
		}
	}
	return &analysis, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
