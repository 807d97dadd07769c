package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mov-extract/internal/assist"
	"github.com/sells-group/mov-extract/internal/catalog"
	"github.com/sells-group/mov-extract/internal/document"
	"github.com/sells-group/mov-extract/internal/pipeline"
	"github.com/sells-group/mov-extract/internal/review"
	"github.com/sells-group/mov-extract/internal/store"
	"github.com/sells-group/mov-extract/internal/validate"
	"github.com/sells-group/mov-extract/pkg/anthropic"
)

// appEnv holds the store, catalog and pipeline shared by the commands.
type appEnv struct {
	Store     store.Store
	Catalog   *catalog.Catalog
	Pipeline  *pipeline.Pipeline
	Corrector *review.Corrector
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func loadCatalog() (*catalog.Catalog, error) {
	if cfg.Catalog.Path != "" {
		return catalog.LoadFile(cfg.Catalog.Path, cfg.Thresholds.FuzzyMatch)
	}
	return catalog.Default(cfg.Thresholds.FuzzyMatch)
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates the config for mode and wires the pipeline. Callers
// should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	cat, err := loadCatalog()
	if err != nil {
		return nil, eris.Wrap(err, "load catalog")
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	var docOpts []document.Option
	if cfg.Document.PdfToTextPath != "" {
		docOpts = append(docOpts, document.WithFallback(document.NewPdfToText(cfg.Document.PdfToTextPath)))
	}
	docs := document.NewExtractor(docOpts...)

	var asst *assist.Assistant
	if cfg.Anthropic.Key != "" {
		asst, err = assist.New(anthropic.NewClient(cfg.Anthropic.Key), cat, assist.OptionsFromConfig(cfg))
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "init assistant")
		}
	} else {
		zap.L().Warn("MOVX_ANTHROPIC_KEY not set, model-assisted extraction disabled")
	}

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("catalog_version", cat.Version()),
		zap.Int("questions", cat.Len()),
		zap.Bool("model_assist", asst != nil),
	)

	return &appEnv{
		Store:     st,
		Catalog:   cat,
		Pipeline:  pipeline.New(cfg, st, cat, docs, asst),
		Corrector: review.NewCorrector(cat, validate.New(cfg.Thresholds, cat), review.NewPolicy(cfg.Thresholds)),
	}, nil
}
