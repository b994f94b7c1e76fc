// mondrian-ingest scores reference imagery into dimensional profiles.
//
// For every image under -dir it looks for a sidecar YAML file (image path
// with the extension replaced by .yaml) carrying curated scores. Images
// without a sidecar are scored by running the extraction pass against the
// model server when -extract is set, and skipped otherwise. With -embed the
// tool also computes visual embeddings, fanning out across -workers.
//
// Profiles are keyed on (advisor, image path); re-running ingest over the
// same directory is idempotent.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Shaydu/mondrian/internal/config"
	"github.com/Shaydu/mondrian/internal/embedding"
	"github.com/Shaydu/mondrian/internal/logging"
	"github.com/Shaydu/mondrian/internal/model"
	"github.com/Shaydu/mondrian/internal/store"
	"github.com/Shaydu/mondrian/internal/strategy"
	"github.com/Shaydu/mondrian/internal/types"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
	".tif": true, ".tiff": true,
}

// sidecar mirrors the curated YAML format sitting next to reference images.
type sidecar struct {
	Scores       map[string]float64 `yaml:"scores"`
	Comments     map[string]string  `yaml:"comments"`
	OverallGrade string             `yaml:"overall_grade"`
	Caption      string             `yaml:"caption"`
	Title        string             `yaml:"title"`
	DateTaken    string             `yaml:"date_taken"`
	Location     string             `yaml:"location"`
	Significance string             `yaml:"significance"`
	Techniques   map[string]string  `yaml:"techniques"`
}

func main() {
	var (
		configPath = flag.String("config", "mondrian.yaml", "Path to the YAML config file")
		dbPath     = flag.String("db", "", "SQLite database path (default: store.path from config)")
		advisorID  = flag.String("advisor", "", "Advisor id to attach the profiles to (required)")
		dir        = flag.String("dir", "", "Directory of reference imagery (required)")
		extract    = flag.Bool("extract", false, "Score sidecar-less images via the model server")
		embed      = flag.Bool("embed", false, "Compute visual embeddings for ingested profiles")
		workers    = flag.Int("workers", 4, "Embedding fan-out width")
	)
	flag.Parse()

	if *advisorID == "" || *dir == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if *dbPath == "" {
		*dbPath = cfg.Store.Path
	}

	if err := logging.Initialize(logging.Options{
		Dir:        cfg.Logging.Dir,
		Level:      cfg.Logging.Level,
		Enabled:    cfg.Logging.Enabled,
		JSONFormat: cfg.Logging.Format == "json",
		Categories: cfg.Logging.Categories,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "warning: file logging disabled: %v\n", err)
	}
	defer logging.CloseAll()

	st, err := store.New(*dbPath)
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if _, err := st.GetAdvisor(ctx, *advisorID); err != nil {
		fatal("advisor %q not in catalog (run the server once, or check advisors dir): %v", *advisorID, err)
	}

	var runner model.Runner
	if *extract {
		runner, err = model.NewRunner(model.Config{
			Provider:    cfg.Model.Provider,
			BaseURL:     cfg.Model.BaseURL,
			APIKey:      cfg.Model.APIKey,
			Handle:      cfg.Model.Handle,
			CallTimeout: cfg.Model.CallTimeout,
			MaxRetries:  cfg.Model.MaxRetries,
		})
		if err != nil {
			fatal("build model runner: %v", err)
		}
	}

	images, err := collectImages(*dir)
	if err != nil {
		fatal("scan %s: %v", *dir, err)
	}
	if len(images) == 0 {
		fatal("no images found under %s", *dir)
	}
	fmt.Printf("Ingesting %d images for advisor %s into %s\n", len(images), *advisorID, *dbPath)

	var ingested, skipped int
	var profiles []*types.Profile
	for _, image := range images {
		p, err := buildProfile(ctx, *advisorID, image, runner, cfg.Model.Handle)
		if err != nil {
			logging.IngestError("Skipping %s: %v", image, err)
			fmt.Fprintf(os.Stderr, "  skip %s: %v\n", filepath.Base(image), err)
			skipped++
			continue
		}
		if err := st.UpsertProfile(ctx, p); err != nil {
			fatal("upsert %s: %v", image, err)
		}
		logging.Ingest("Upserted profile for %s (%s)", image, *advisorID)
		profiles = append(profiles, p)
		ingested++
	}
	fmt.Printf("Ingested %d profiles (%d skipped)\n", ingested, skipped)

	if *embed && len(profiles) > 0 {
		n, err := embedProfiles(ctx, st, cfg, profiles, *workers)
		if err != nil {
			fatal("embedding pass: %v", err)
		}
		fmt.Printf("Embedded %d profiles\n", n)
	}
}

func collectImages(dir string) ([]string, error) {
	var images []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && imageExts[strings.ToLower(filepath.Ext(path))] {
			images = append(images, path)
		}
		return nil
	})
	return images, err
}

// buildProfile produces a reference profile from the sidecar YAML, falling
// back to a model extraction pass when a runner is available.
func buildProfile(ctx context.Context, advisorID, image string, runner model.Runner, handle string) (*types.Profile, error) {
	side := strings.TrimSuffix(image, filepath.Ext(image)) + ".yaml"
	data, err := os.ReadFile(side)
	if err == nil {
		return profileFromSidecar(advisorID, image, data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read sidecar: %w", err)
	}
	if runner == nil {
		return nil, fmt.Errorf("no sidecar %s (use -extract to score via the model)", filepath.Base(side))
	}

	raw, err := runner.Run(ctx, model.Request{
		ImageRef: image,
		Prompt:   strategy.Prompts{}.Extraction(),
		Handle:   handle,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}
	analysis, err := model.ParseAnalysis(raw)
	if err != nil {
		return nil, fmt.Errorf("extraction output: %w", err)
	}
	return &types.Profile{
		AdvisorID:    advisorID,
		ImagePath:    image,
		Scores:       analysis.Vector(),
		Comments:     analysis.Comments(),
		OverallGrade: analysis.OverallGrade,
	}, nil
}

func profileFromSidecar(advisorID, image string, data []byte) (*types.Profile, error) {
	var side sidecar
	if err := yaml.Unmarshal(data, &side); err != nil {
		return nil, fmt.Errorf("parse sidecar: %w", err)
	}

	var scores types.Vector8
	for i, name := range types.DimensionNames {
		v, ok := side.Scores[name]
		if !ok {
			return nil, fmt.Errorf("sidecar missing dimension %q", name)
		}
		if math.IsNaN(v) || v < 0 || v > 10 {
			return nil, fmt.Errorf("sidecar score %q = %v out of range", name, v)
		}
		scores[i] = v
	}

	return &types.Profile{
		AdvisorID:    advisorID,
		ImagePath:    image,
		Scores:       scores,
		Comments:     side.Comments,
		OverallGrade: side.OverallGrade,
		Caption:      side.Caption,
		Title:        side.Title,
		DateTaken:    side.DateTaken,
		Location:     side.Location,
		Significance: side.Significance,
		Techniques:   side.Techniques,
	}, nil
}

// embedProfiles computes embeddings across a bounded worker group and
// re-upserts each profile with its vector attached.
func embedProfiles(ctx context.Context, st *store.Store, cfg *config.Config, profiles []*types.Profile, workers int) (int, error) {
	engine, err := embedding.NewEngine(embedding.Config{
		Provider:   cfg.Retrieval.Embedding.Provider,
		BaseURL:    cfg.Retrieval.Embedding.BaseURL,
		APIKey:     cfg.Retrieval.Embedding.APIKey,
		Model:      cfg.Retrieval.Embedding.Model,
		Dimensions: cfg.Retrieval.Embedding.Dimensions,
		Timeout:    cfg.Retrieval.Embedding.Timeout,
	})
	if err != nil {
		return 0, err
	}
	if engine == nil {
		return 0, fmt.Errorf("no embedding provider configured")
	}
	canEmbedImages := embedding.CanEmbedImages(engine)
	var imgEmb embedding.ImageEmbedder
	if canEmbedImages {
		imgEmb = engine.(embedding.ImageEmbedder)
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, p := range profiles {
		p := p
		g.Go(func() error {
			var vec []float32
			var err error
			if canEmbedImages {
				vec, err = imgEmb.EmbedImage(gctx, p.ImagePath)
			} else {
				if p.Caption == "" {
					logging.IngestDebug("No caption for %s; text embedder has nothing to embed", p.ImagePath)
					return nil
				}
				vec, err = engine.Embed(gctx, p.Caption)
			}
			if err != nil {
				return fmt.Errorf("embed %s: %w", p.ImagePath, err)
			}
			p.Embedding = embedding.Normalize(vec)
			if err := st.UpsertProfile(gctx, p); err != nil {
				return err
			}
			done.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(done.Load()), err
	}
	return int(done.Load()), nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "mondrian-ingest: "+format+"\n", args...)
	os.Exit(1)
}
