package vindex

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/incentive-matcher/internal/embed"
	"github.com/sells-group/incentive-matcher/internal/model"
	"github.com/sells-group/incentive-matcher/internal/resilience"
)

// CompanySource pages through the company corpus in id order.
type CompanySource interface {
	ListCompanies(ctx context.Context, afterID string, limit int) ([]model.Company, error)
}

// BuildOptions tunes a build.
type BuildOptions struct {
	BatchSize int
	Workers   int
	// Rebuild re-embeds companies that are already indexed.
	Rebuild bool
	Retry   resilience.RetryConfig
}

// BuildStats summarizes a build.
type BuildStats struct {
	Scanned  int64         `json:"scanned"`
	Embedded int64         `json:"embedded"`
	Skipped  int64         `json:"skipped"`
	Indexed  int           `json:"indexed"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Builder embeds every company profile into the index. Builds run offline and
// must not overlap with matching runs.
type Builder struct {
	src      CompanySource
	embedder embed.Embedder
	index    *Index
	opts     BuildOptions
}

// NewBuilder creates a Builder.
func NewBuilder(src CompanySource, embedder embed.Embedder, index *Index, opts BuildOptions) *Builder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	opts.Retry.OnRetry = resilience.RetryLogger("embed", "embed_batch")
	return &Builder{src: src, embedder: embedder, index: index, opts: opts}
}

// Build pages through all companies and indexes their profiles. The first
// failed batch cancels the build.
func (b *Builder) Build(ctx context.Context) (*BuildStats, error) {
	start := time.Now()
	log := zap.L().With(zap.String("component", "vindex.builder"))

	pool, err := ants.NewPool(b.opts.Workers)
	if err != nil {
		return nil, eris.Wrap(err, "vindex: create worker pool")
	}
	defer pool.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
		scanned  atomic.Int64
		embedded atomic.Int64
		skipped  atomic.Int64
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	after := ""
	pages := 0
	for {
		if ctx.Err() != nil {
			break
		}
		page, err := b.src.ListCompanies(ctx, after, b.opts.BatchSize)
		if err != nil {
			fail(eris.Wrap(err, "vindex: list companies"))
			break
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1].ID
		scanned.Add(int64(len(page)))

		batch := make([]model.Company, 0, len(page))
		for _, c := range page {
			if !b.opts.Rebuild && b.index.Has(c.ID) {
				skipped.Add(1)
				continue
			}
			batch = append(batch, c)
		}
		if len(batch) == 0 {
			continue
		}

		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			n, err := b.embedBatch(ctx, batch)
			if err != nil {
				fail(err)
				return
			}
			embedded.Add(int64(n))
		}); err != nil {
			wg.Done()
			fail(eris.Wrap(err, "vindex: submit batch"))
			break
		}

		pages++
		if pages%50 == 0 {
			log.Info("vindex: build progress", zap.Int64("scanned", scanned.Load()), zap.Int64("embedded", embedded.Load()))
		}
	}
	wg.Wait()

	stats := &BuildStats{
		Scanned:  scanned.Load(),
		Embedded: embedded.Load(),
		Skipped:  skipped.Load(),
		Indexed:  b.index.Len(),
		Elapsed:  time.Since(start),
	}
	if firstErr != nil {
		return stats, firstErr
	}
	log.Info("vindex: build complete",
		zap.Int64("scanned", stats.Scanned),
		zap.Int64("embedded", stats.Embedded),
		zap.Int64("skipped", stats.Skipped),
		zap.Int("indexed", stats.Indexed),
		zap.Duration("elapsed", stats.Elapsed),
	)
	return stats, nil
}

func (b *Builder) embedBatch(ctx context.Context, batch []model.Company) (int, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.ProfileText()
	}

	vecs, err := resilience.DoVal(ctx, b.opts.Retry, func(ctx context.Context) ([][]float32, error) {
		return b.embedder.EmbedTexts(ctx, texts)
	})
	if err != nil {
		return 0, eris.Wrapf(err, "vindex: embed batch starting at %s", batch[0].ID)
	}
	if len(vecs) != len(batch) {
		return 0, eris.Errorf("vindex: got %d vectors for %d companies", len(vecs), len(batch))
	}

	put := make(map[string][]float32, len(batch))
	for i, c := range batch {
		put[c.ID] = vecs[i]
	}
	if err := b.index.PutBatch(ctx, put); err != nil {
		return 0, err
	}
	return len(batch), nil
}
