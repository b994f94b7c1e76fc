package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/Shaydu/mondrian/internal/logging"
	"github.com/Shaydu/mondrian/internal/types"
)

// DimensionStat holds per-dimension statistics of the advisor portfolio
// against the user vector.
type DimensionStat struct {
	Dimension string  `json:"dimension"`
	Index     int     `json:"index"`
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	User      float64 `json:"user"`
	// Gap is mean - user; positive when the user trails the portfolio.
	Gap             float64 `json:"gap"`
	Underperforming bool    `json:"underperforming"`
}

// Representative is a reference profile chosen to exemplify strong
// performance on one underperforming dimension.
type Representative struct {
	Dimension      string  `json:"dimension"`
	DimensionIndex int     `json:"dimension_index"`
	Gap            float64 `json:"gap"`
	Mean           float64 `json:"mean"`
	Std            float64 `json:"std"`
	UserScore      float64 `json:"user_score"`
	// Score is the representative's own score on the targeted dimension.
	Score        float64 `json:"score"`
	ImagePath    string  `json:"image_path"`
	Title        string  `json:"title,omitempty"`
	Significance string  `json:"significance,omitempty"`
	OverallGrade string  `json:"overall_grade,omitempty"`
	// Comment is the advisor's note on the targeted dimension.
	Comment string `json:"comment,omitempty"`
}

// DistributionResult is the outcome of dimensional-distribution analysis.
type DistributionResult struct {
	AdvisorID string `json:"advisor_id"`
	// Insufficient is set when fewer than 2 reference profiles exist;
	// distribution analysis is skipped and Representatives is empty.
	Insufficient    bool             `json:"insufficient,omitempty"`
	ProfileCount    int              `json:"profile_count"`
	Stats           []DimensionStat  `json:"stats,omitempty"`
	Representatives []Representative `json:"representatives,omitempty"`
}

// AnalyzeDistribution compares the user vector against the advisor's
// reference portfolio and selects up to MaxRepresentatives examples for the
// dimensions where the user underperforms. Fully deterministic: identical
// inputs yield identical output.
func (e *Engine) AnalyzeDistribution(ctx context.Context, advisorID string, user types.Vector8) (*DistributionResult, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "AnalyzeDistribution")
	defer timer.Stop()

	all, err := e.profiles.GetProfilesForAdvisor(ctx, advisorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles for advisor %s: %w", advisorID, err)
	}

	// Only complete profiles participate in the distribution.
	profiles := all[:0:0]
	for _, p := range all {
		if p.Scores.Complete() {
			profiles = append(profiles, p)
		}
	}

	res := &DistributionResult{AdvisorID: advisorID, ProfileCount: len(profiles)}
	if len(profiles) < 2 {
		logging.Retrieval("Advisor %s has %d complete reference profiles; insufficient for distribution analysis", advisorID, len(profiles))
		res.Insufficient = true
		return res, nil
	}

	res.Stats = e.computeStats(profiles, user)

	under := make([]DimensionStat, 0, types.DimensionCount)
	for _, st := range res.Stats {
		if st.Underperforming {
			under = append(under, st)
		}
	}
	// Largest gap first; dimension index breaks ties.
	sort.SliceStable(under, func(i, j int) bool {
		if under[i].Gap != under[j].Gap {
			return under[i].Gap > under[j].Gap
		}
		return under[i].Index < under[j].Index
	})

	limit := e.cfg.MaxRepresentatives
	if len(under) < limit {
		limit = len(under)
	}
	for _, st := range under[:limit] {
		rep := pickRepresentative(profiles, st)
		res.Representatives = append(res.Representatives, rep)
	}

	logging.Retrieval("Advisor %s: %d/%d dimensions underperforming, %d representatives selected",
		advisorID, len(under), types.DimensionCount, len(res.Representatives))
	return res, nil
}

// computeStats derives per-dimension mean, floored population std, gap and
// the underperformance flag. A missing user score (NaN) is never
// underperforming.
func (e *Engine) computeStats(profiles []*types.Profile, user types.Vector8) []DimensionStat {
	stats := make([]DimensionStat, types.DimensionCount)
	n := float64(len(profiles))

	for d := 0; d < types.DimensionCount; d++ {
		var sum float64
		for _, p := range profiles {
			sum += p.Scores[d]
		}
		mean := sum / n

		var variance float64
		for _, p := range profiles {
			diff := p.Scores[d] - mean
			variance += diff * diff
		}
		std := math.Sqrt(variance / n)
		if std < e.cfg.SigmaFloor {
			std = e.cfg.SigmaFloor
		}

		st := DimensionStat{
			Dimension: types.DimensionNames[d],
			Index:     d,
			Mean:      mean,
			Std:       std,
			User:      user[d],
		}
		if !math.IsNaN(user[d]) {
			st.Gap = mean - user[d]
			st.Underperforming = user[d] < mean-e.cfg.KSigma*std
		}
		stats[d] = st
	}
	return stats
}

// pickRepresentative chooses the reference profile with the highest score on
// the targeted dimension. Ties fall through: higher overall grade, non-empty
// title, non-empty significance, lowest image path.
func pickRepresentative(profiles []*types.Profile, st DimensionStat) Representative {
	best := profiles[0]
	for _, p := range profiles[1:] {
		if betterRepresentative(p, best, st.Index) {
			best = p
		}
	}
	return Representative{
		Dimension:      st.Dimension,
		DimensionIndex: st.Index,
		Gap:            st.Gap,
		Mean:           st.Mean,
		Std:            st.Std,
		UserScore:      st.User,
		Score:          best.Scores[st.Index],
		ImagePath:      best.ImagePath,
		Title:          best.Title,
		Significance:   best.Significance,
		OverallGrade:   best.OverallGrade,
		Comment:        best.CommentFor(st.Index),
	}
}

func betterRepresentative(a, b *types.Profile, dim int) bool {
	if a.Scores[dim] != b.Scores[dim] {
		return a.Scores[dim] > b.Scores[dim]
	}
	if ra, rb := types.GradeRank(a.OverallGrade), types.GradeRank(b.OverallGrade); ra != rb {
		return ra > rb
	}
	if at, bt := a.Title != "", b.Title != ""; at != bt {
		return at
	}
	if as, bs := a.Significance != "", b.Significance != ""; as != bs {
		return as
	}
	return a.ImagePath < b.ImagePath
}
