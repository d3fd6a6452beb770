// Package translate batch-translates a game's document set (UI strings,
// instructions, intro prompts) into target languages through a provider
// adapter. Offline use only; it trades latency for resilience by retrying
// transient provider errors.
package translate

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"storyforge/internal/ai"
)

type Runner struct {
	Provider ai.Provider
	APIKey   string
	Logger   zerolog.Logger
	// BatchSize caps documents per provider call; big batches risk the
	// model truncating its output.
	BatchSize   int
	Concurrency int

	mu    sync.Mutex
	stats Stats
}

type Stats struct {
	Batches       int
	FailedBatches int
	Documents     int
	Usage         ai.TokenUsage
}

const (
	defaultBatchSize   = 20
	defaultConcurrency = 4
)

// Run translates every document into every target language. A failed batch
// (after retries) is skipped and counted, not fatal; the caller decides
// whether partial output is acceptable.
func (r *Runner) Run(ctx context.Context, docs map[string]string, languages []string) (map[string]map[string]string, Stats, error) {
	batchSize := r.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	workers := r.Concurrency
	if workers <= 0 {
		workers = defaultConcurrency
	}

	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type job struct {
		lang  string
		batch map[string]string
	}
	jobs := make(chan job)
	out := make(map[string]map[string]string, len(languages))
	var outMu sync.Mutex
	for _, lang := range languages {
		out[lang] = make(map[string]string, len(docs))
	}

	var wg sync.WaitGroup
	policy := ai.BatchPolicy()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				var translated map[string]string
				var usage ai.TokenUsage
				err := policy.Do(ctx, func(ctx context.Context) error {
					var stepErr error
					translated, usage, stepErr = r.Provider.Translate(ctx, r.APIKey, j.batch, j.lang)
					return stepErr
				})
				r.mu.Lock()
				r.stats.Batches++
				r.stats.Usage = r.stats.Usage.Add(usage)
				if err != nil {
					r.stats.FailedBatches++
				} else {
					r.stats.Documents += len(translated)
				}
				r.mu.Unlock()
				if err != nil {
					r.Logger.Error().Err(err).Str("language", j.lang).Int("batch_size", len(j.batch)).
						Msg("batch failed after retries, skipping")
					continue
				}
				outMu.Lock()
				for k, v := range translated {
					out[j.lang][k] = v
				}
				outMu.Unlock()
			}
		}()
	}

	for _, lang := range languages {
		for start := 0; start < len(keys); start += batchSize {
			end := start + batchSize
			if end > len(keys) {
				end = len(keys)
			}
			batch := make(map[string]string, end-start)
			for _, k := range keys[start:end] {
				batch[k] = docs[k]
			}
			select {
			case jobs <- job{lang: lang, batch: batch}:
			case <-ctx.Done():
				close(jobs)
				wg.Wait()
				return out, r.snapshot(), ctx.Err()
			}
		}
	}
	close(jobs)
	wg.Wait()
	return out, r.snapshot(), nil
}

func (r *Runner) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
