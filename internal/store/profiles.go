package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/Shaydu/mondrian/internal/embedding"
	"github.com/Shaydu/mondrian/internal/logging"
	"github.com/Shaydu/mondrian/internal/types"
)

const profileColumns = `id, advisor_id, image_path, scores, comments, overall_grade,
	caption, title, date_taken, location, significance, techniques,
	embedding, embedding_dim, source_job_id, created_at, updated_at`

// encodeScores serializes a Vector8 as a JSON array, mapping NaN (missing
// score) to null, which encoding/json cannot do on raw float64.
func encodeScores(v types.Vector8) (string, error) {
	arr := make([]*float64, types.DimensionCount)
	for i := range v {
		if !math.IsNaN(v[i]) {
			s := v[i]
			arr[i] = &s
		}
	}
	data, err := json.Marshal(arr)
	if err != nil {
		return "", fmt.Errorf("failed to encode scores: %w", err)
	}
	return string(data), nil
}

func decodeScores(data string) (types.Vector8, error) {
	var arr []*float64
	if err := json.Unmarshal([]byte(data), &arr); err != nil {
		return types.Vector8{}, fmt.Errorf("failed to decode scores: %w", err)
	}
	var v types.Vector8
	for i := range v {
		if i < len(arr) && arr[i] != nil {
			v[i] = *arr[i]
		} else {
			v[i] = types.MissingScore()
		}
	}
	return v, nil
}

func scanProfile(r rowScanner, extra ...any) (*types.Profile, error) {
	var (
		p                    types.Profile
		scores               string
		comments, techniques string
		blob                 []byte
		createdAt, updatedAt string
	)
	dest := []any{&p.ID, &p.AdvisorID, &p.ImagePath, &scores, &comments,
		&p.OverallGrade, &p.Caption, &p.Title, &p.DateTaken, &p.Location,
		&p.Significance, &techniques, &blob, &p.EmbeddingDim, &p.SourceJobID,
		&createdAt, &updatedAt}
	dest = append(dest, extra...)
	if err := r.Scan(dest...); err != nil {
		return nil, err
	}
	var err error
	if p.Scores, err = decodeScores(scores); err != nil {
		return nil, fmt.Errorf("profile %d: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(comments), &p.Comments); err != nil {
		return nil, fmt.Errorf("failed to decode comments for profile %d: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(techniques), &p.Techniques); err != nil {
		return nil, fmt.Errorf("failed to decode techniques for profile %d: %w", p.ID, err)
	}
	if len(blob) > 0 {
		p.Embedding = decodeEmbedding(blob)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// UpsertProfile inserts or updates a dimensional profile keyed on
// (advisor_id, image_path). Idempotent under identical inputs: repeats leave
// updated_at as the only change.
func (s *Store) UpsertProfile(ctx context.Context, p *types.Profile) error {
	timer := logging.StartTimer(logging.CategoryStore, "UpsertProfile")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	scores, err := encodeScores(p.Scores)
	if err != nil {
		return err
	}
	comments, err := json.Marshal(orEmptyMap(p.Comments))
	if err != nil {
		return fmt.Errorf("failed to encode comments: %w", err)
	}
	techniques, err := json.Marshal(orEmptyMap(p.Techniques))
	if err != nil {
		return fmt.Errorf("failed to encode techniques: %w", err)
	}

	var blob []byte
	dim := 0
	if len(p.Embedding) > 0 {
		blob = encodeEmbedding(p.Embedding)
		dim = len(p.Embedding)
	}

	nowStr := formatTime(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dimensional_profiles (advisor_id, image_path, scores, comments,
			overall_grade, caption, title, date_taken, location, significance,
			techniques, embedding, embedding_dim, source_job_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(advisor_id, image_path) DO UPDATE SET
			scores = excluded.scores,
			comments = excluded.comments,
			overall_grade = excluded.overall_grade,
			caption = excluded.caption,
			title = excluded.title,
			date_taken = excluded.date_taken,
			location = excluded.location,
			significance = excluded.significance,
			techniques = excluded.techniques,
			embedding = excluded.embedding,
			embedding_dim = excluded.embedding_dim,
			source_job_id = excluded.source_job_id,
			updated_at = excluded.updated_at`,
		p.AdvisorID, p.ImagePath, scores, string(comments),
		p.OverallGrade, p.Caption, p.Title, p.DateTaken, p.Location, p.Significance,
		string(techniques), blob, dim, p.SourceJobID, nowStr, nowStr,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile (%s, %s): %w", p.AdvisorID, p.ImagePath, err)
	}
	return nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// GetProfilesForAdvisor returns the advisor's reference profiles (transient
// per-job extractions excluded), ordered by image path for deterministic
// downstream selection.
func (s *Store) GetProfilesForAdvisor(ctx context.Context, advisorID string) ([]*types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+` FROM dimensional_profiles
		WHERE advisor_id = ? AND source_job_id = ''
		ORDER BY image_path ASC`, advisorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles for advisor %s: %w", advisorID, err)
	}
	defer rows.Close()

	var profiles []*types.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile row: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// GetProfileForJob returns the transient Pass-1 profile persisted for a job,
// or nil when no extraction has been stored yet.
func (s *Store) GetProfileForJob(ctx context.Context, jobID string) (*types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+profileColumns+" FROM dimensional_profiles WHERE source_job_id = ? LIMIT 1", jobID)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile for job %s: %w", jobID, err)
	}
	return p, nil
}

// CountReferenceProfiles returns how many reference profiles an advisor has.
// The rag availability predicate needs only the count, not the rows.
func (s *Store) CountReferenceProfiles(ctx context.Context, advisorID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM dimensional_profiles WHERE advisor_id = ? AND source_job_id = ''",
		advisorID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count profiles for advisor %s: %w", advisorID, err)
	}
	return count, nil
}

// EmbeddingHit is one visual-similarity candidate.
type EmbeddingHit struct {
	Profile    *types.Profile
	Similarity float64
}

// FindProfilesByEmbedding returns the advisor's k most similar reference
// profiles to the query vector, descending by cosine similarity with ties
// broken lexicographically by image path. Profiles without embeddings are
// skipped. When sqlite-vec is loaded the scan runs inside SQLite via
// vec_distance_cosine; otherwise it is an in-process cosine scan. Both paths
// produce the same ordering, so results stay stable across builds.
func (s *Store) FindProfilesByEmbedding(ctx context.Context, advisorID string, query []float32, k int) ([]EmbeddingHit, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}
	if k <= 0 {
		k = 3
	}

	if s.VectorSearchEnabled() {
		hits, err := s.findProfilesByEmbeddingVec(ctx, advisorID, query, k)
		if err == nil {
			return hits, nil
		}
		logging.StoreWarn("vec_distance_cosine query failed, falling back to in-process scan: %v", err)
	}

	profiles, err := s.GetProfilesForAdvisor(ctx, advisorID)
	if err != nil {
		return nil, err
	}

	hits := make([]EmbeddingHit, 0, len(profiles))
	for _, p := range profiles {
		if len(p.Embedding) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(query, p.Embedding)
		if err != nil {
			logging.StoreDebug("Skipping profile %d in similarity scan: %v", p.ID, err)
			continue
		}
		hits = append(hits, EmbeddingHit{Profile: p, Similarity: sim})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Profile.ImagePath < hits[j].Profile.ImagePath
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// findProfilesByEmbeddingVec pushes the similarity scan into SQLite. The
// embedding_dim predicate keeps vec_distance_cosine from erroring on rows
// whose vectors do not match the query dimensionality. Cosine distance is
// 1 - similarity, so ascending distance matches the fallback ordering.
func (s *Store) findProfilesByEmbeddingVec(ctx context.Context, advisorID string, query []float32, k int) ([]EmbeddingHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+`, vec_distance_cosine(embedding, ?) AS distance
		FROM dimensional_profiles
		WHERE advisor_id = ? AND source_job_id = '' AND embedding_dim = ?
		ORDER BY distance ASC, image_path ASC
		LIMIT ?`,
		encodeEmbedding(query), advisorID, len(query), k)
	if err != nil {
		return nil, fmt.Errorf("vec similarity query for advisor %s: %w", advisorID, err)
	}
	defer rows.Close()

	var hits []EmbeddingHit
	for rows.Next() {
		var distance float64
		p, err := scanProfile(rows, &distance)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vec similarity row: %w", err)
		}
		hits = append(hits, EmbeddingHit{Profile: p, Similarity: 1 - distance})
	}
	return hits, rows.Err()
}
