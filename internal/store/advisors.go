package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Shaydu/mondrian/internal/logging"
	"github.com/Shaydu/mondrian/internal/types"
)

// UpsertAdvisor inserts or replaces an advisor row. The catalog calls this at
// startup and on hot-reload; in-flight jobs keep the advisor they resolved.
func (s *Store) UpsertAdvisor(ctx context.Context, adv *types.Advisor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	focusJSON, err := json.Marshal(adv.FocusAreas)
	if err != nil {
		return fmt.Errorf("failed to encode focus_areas: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO advisors (id, display_name, biography, prompt, focus_areas, adapter_path, category, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			biography = excluded.biography,
			prompt = excluded.prompt,
			focus_areas = excluded.focus_areas,
			adapter_path = excluded.adapter_path,
			category = excluded.category,
			updated_at = excluded.updated_at`,
		adv.ID, adv.DisplayName, adv.Biography, adv.Prompt, string(focusJSON),
		adv.AdapterPath, adv.Category, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert advisor %s: %w", adv.ID, err)
	}

	logging.StoreDebug("Upserted advisor %s", adv.ID)
	return nil
}

const advisorColumns = `id, display_name, biography, prompt, focus_areas, adapter_path, category`

func scanAdvisor(r rowScanner) (*types.Advisor, error) {
	var adv types.Advisor
	var focusJSON string
	err := r.Scan(&adv.ID, &adv.DisplayName, &adv.Biography, &adv.Prompt,
		&focusJSON, &adv.AdapterPath, &adv.Category)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(focusJSON), &adv.FocusAreas); err != nil {
		return nil, fmt.Errorf("failed to decode focus_areas for advisor %s: %w", adv.ID, err)
	}
	return &adv, nil
}

// GetAdvisor returns one advisor or ErrAdvisorNotFound.
func (s *Store) GetAdvisor(ctx context.Context, id string) (*types.Advisor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+advisorColumns+" FROM advisors WHERE id = ?", id)
	adv, err := scanAdvisor(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAdvisorNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load advisor %s: %w", id, err)
	}
	return adv, nil
}

// ListAdvisors returns the catalog ordered by id.
func (s *Store) ListAdvisors(ctx context.Context) ([]*types.Advisor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+advisorColumns+" FROM advisors ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list advisors: %w", err)
	}
	defer rows.Close()

	var advisors []*types.Advisor
	for rows.Next() {
		adv, err := scanAdvisor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan advisor row: %w", err)
		}
		advisors = append(advisors, adv)
	}
	return advisors, rows.Err()
}
