// Command translate batch-translates a JSON document set (key to text) into
// one or more target languages and writes one JSON file per language. It is
// an offline authoring tool; the server never calls it.
//
//	translate -in docs/en.json -langs de,fr,es -out docs/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"storyforge/internal/ai/registry"
	"storyforge/internal/catalog"
	"storyforge/internal/config"
	"storyforge/internal/logging"
	"storyforge/internal/translate"
)

func main() {
	var (
		platform    = flag.String("platform", catalog.PlatformOpenAI, "provider platform id")
		inPath      = flag.String("in", "", "source JSON file (object of key to text)")
		langList    = flag.String("langs", "", "comma-separated target language codes")
		outDir      = flag.String("out", ".", "directory for per-language output files")
		batchSize   = flag.Int("batch", 0, "documents per provider call (0 uses the default)")
		concurrency = flag.Int("concurrency", 0, "parallel provider calls (0 uses the default)")
	)
	flag.Parse()

	logCfg, err := config.LoadLog()
	if err != nil {
		panic(err)
	}
	logging.Init(logCfg)

	apiKey := os.Getenv("TRANSLATE_API_KEY")
	if *inPath == "" || *langList == "" || apiKey == "" {
		fmt.Fprintln(os.Stderr, "usage: translate -in en.json -langs de,fr -out dir (TRANSLATE_API_KEY must be set)")
		os.Exit(2)
	}
	languages := splitLangs(*langList)

	docs, err := readDocs(*inPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *inPath).Msg("read source documents failed")
	}

	cat := catalog.Default()
	if path := os.Getenv("CATALOG_PATH"); path != "" {
		cat, err = catalog.Load(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("load catalog failed")
		}
	}
	providers := registry.Build(registry.Config{
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		MistralBaseURL: os.Getenv("MISTRAL_BASE_URL"),
		EnableMock:     os.Getenv("ENABLE_MOCK_AI") == "true",
	}, cat, log.Logger)
	provider, err := providers.Provider(*platform)
	if err != nil {
		log.Fatal().Err(err).Str("platform", *platform).Msg("unknown platform")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := &translate.Runner{
		Provider:    provider,
		APIKey:      apiKey,
		Logger:      log.Logger,
		BatchSize:   *batchSize,
		Concurrency: *concurrency,
	}
	out, stats, err := runner.Run(ctx, docs, languages)
	if err != nil {
		log.Fatal().Err(err).Msg("translation aborted")
	}

	for _, lang := range languages {
		path := filepath.Join(*outDir, lang+".json")
		if err := writeDocs(path, out[lang]); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("write output failed")
		}
		log.Info().Str("language", lang).Int("documents", len(out[lang])).Str("path", path).Msg("wrote translations")
	}

	log.Info().
		Int("batches", stats.Batches).
		Int("failed_batches", stats.FailedBatches).
		Int("documents", stats.Documents).
		Int("tokens", stats.Usage.Total).
		Msg("translation finished")
	if stats.FailedBatches > 0 {
		os.Exit(1)
	}
}

func splitLangs(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, lang := range strings.Split(s, ",") {
		lang = strings.TrimSpace(lang)
		if lang == "" || seen[lang] {
			continue
		}
		seen[lang] = true
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

func readDocs(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var docs map[string]string
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%s contains no documents", path)
	}
	return docs, nil
}

func writeDocs(path string, docs map[string]string) error {
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
