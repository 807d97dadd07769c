package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mov-extract/internal/document"
)

// BatchItem is the outcome of one file in a batch.
type BatchItem struct {
	Path   string
	Result *Result
	Err    error
}

// ProcessFile extracts one file. The source id is derived from the file
// content, so re-running a file updates the same report.
func (p *Pipeline) ProcessFile(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read %s", path)
	}
	name := filepath.Base(path)
	format, err := document.DetectFormat(name, data)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: %s", path)
	}
	return p.Extract(ctx, data, format, "", name)
}

// ProcessDir extracts every PDF and DOCX file directly under dir with at
// most workers documents in flight. A failing document does not stop the
// batch; its error is reported on its item. Only cancellation of ctx
// aborts the batch.
func (p *Pipeline) ProcessDir(ctx context.Context, dir string, workers int) ([]BatchItem, error) {
	paths, err := documentFiles(dir)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}

	log := zap.L().With(zap.String("dir", dir))
	log.Info("pipeline: starting batch", zap.Int("files", len(paths)), zap.Int("workers", workers))
	start := time.Now()

	items := make([]BatchItem, len(paths))
	var failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			res, err := p.ProcessFile(gctx, path)
			items[i] = BatchItem{Path: path, Result: res, Err: err}
			if err != nil {
				failed.Add(1)
				log.Warn("pipeline: document failed", zap.String("path", path), zap.Error(err))
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return items, eris.Wrap(err, "pipeline: batch")
	}

	log.Info("pipeline: batch complete",
		zap.Int("files", len(paths)),
		zap.Int64("failed", failed.Load()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return items, nil
}

func documentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read dir %s", dir)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := document.ParseFormat(filepath.Ext(e.Name())); err != nil {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
