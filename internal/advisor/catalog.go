// Package advisor loads and serves the advisor catalog: one YAML file per
// persona under the advisors directory. The catalog is read-mostly; a hot
// reload replaces the in-memory set but never touches in-flight jobs.
package advisor

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Shaydu/mondrian/internal/logging"
	"github.com/Shaydu/mondrian/internal/types"
)

// SelectionAll and SelectionRandom are the two non-id advisor selectors.
const (
	SelectionAll    = "all"
	SelectionRandom = "random"
)

// Upserter receives loaded advisors for persistence. *store.Store satisfies it.
type Upserter interface {
	UpsertAdvisor(ctx context.Context, adv *types.Advisor) error
}

// Catalog holds the loaded advisor set.
type Catalog struct {
	dir   string
	store Upserter

	mu       sync.RWMutex
	advisors map[string]*types.Advisor
}

// NewCatalog builds an empty catalog over the given directory. store may be
// nil for catalog-only use (CLI tools).
func NewCatalog(dir string, store Upserter) *Catalog {
	return &Catalog{
		dir:      dir,
		store:    store,
		advisors: make(map[string]*types.Advisor),
	}
}

// Load reads every advisor YAML file in the directory, replacing the
// in-memory set and upserting each advisor into the store. Files that fail
// to parse are skipped with a warning; an unreadable directory is an error.
func (c *Catalog) Load(ctx context.Context) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read advisor dir %s: %w", c.dir, err)
	}

	loaded := make(map[string]*types.Advisor)
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		adv, err := loadFile(path)
		if err != nil {
			logging.AdvisorWarn("Skipping advisor file %s: %v", e.Name(), err)
			continue
		}
		if prev, dup := loaded[adv.ID]; dup {
			logging.AdvisorWarn("Duplicate advisor id %s in %s (already loaded as %s)", adv.ID, e.Name(), prev.DisplayName)
			continue
		}
		loaded[adv.ID] = adv
	}

	if c.store != nil {
		for _, adv := range loaded {
			if err := c.store.UpsertAdvisor(ctx, adv); err != nil {
				return fmt.Errorf("failed to persist advisor %s: %w", adv.ID, err)
			}
		}
	}

	c.mu.Lock()
	c.advisors = loaded
	c.mu.Unlock()

	logging.Advisor("Catalog loaded: %d advisors from %s", len(loaded), c.dir)
	return nil
}

// loadFile parses and validates one advisor YAML file.
func loadFile(path string) (*types.Advisor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var adv types.Advisor
	if err := yaml.Unmarshal(data, &adv); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if adv.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if adv.ID == SelectionAll || adv.ID == SelectionRandom {
		return nil, fmt.Errorf("advisor id %q is a reserved selector", adv.ID)
	}
	if adv.Prompt == "" {
		return nil, fmt.Errorf("advisor %s has no prompt", adv.ID)
	}
	if adv.DisplayName == "" {
		adv.DisplayName = adv.ID
	}
	return &adv, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Get returns the advisor with the given id.
func (c *Catalog) Get(id string) (*types.Advisor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	adv, ok := c.advisors[id]
	if !ok {
		return nil, types.NewJobError(types.ErrKindBadInput, fmt.Sprintf("unknown advisor %q", id))
	}
	return adv, nil
}

// List returns every advisor sorted by id.
func (c *Catalog) List() []*types.Advisor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Advisor, 0, len(c.advisors))
	for _, adv := range c.advisors {
		out = append(out, adv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve expands a selection string into a concrete advisor list:
// a single id, a comma-separated list (deduplicated, order kept), "all"
// (catalog order), or "random" (one advisor). Empty or unknown selections
// are bad_input.
func (c *Catalog) Resolve(selection string) ([]*types.Advisor, error) {
	sel := strings.TrimSpace(selection)
	if sel == "" {
		return nil, types.NewJobError(types.ErrKindBadInput, "advisor selection is required")
	}

	switch strings.ToLower(sel) {
	case SelectionAll:
		all := c.List()
		if len(all) == 0 {
			return nil, types.NewJobError(types.ErrKindBadInput, "advisor catalog is empty")
		}
		return all, nil
	case SelectionRandom:
		all := c.List()
		if len(all) == 0 {
			return nil, types.NewJobError(types.ErrKindBadInput, "advisor catalog is empty")
		}
		return []*types.Advisor{all[rand.Intn(len(all))]}, nil
	}

	var out []*types.Advisor
	seen := make(map[string]bool)
	for _, id := range strings.Split(sel, ",") {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		adv, err := c.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, adv)
	}
	if len(out) == 0 {
		return nil, types.NewJobError(types.ErrKindBadInput, "advisor selection resolved to zero advisors")
	}
	return out, nil
}
