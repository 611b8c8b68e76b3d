package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinsynth/cohortgen/internal/artifacts"
	"github.com/clinsynth/cohortgen/internal/cohort"
	"github.com/clinsynth/cohortgen/internal/config"
	"github.com/clinsynth/cohortgen/internal/icd10"
	"github.com/clinsynth/cohortgen/internal/logger"
	"github.com/clinsynth/cohortgen/internal/retrieval"
	"github.com/clinsynth/cohortgen/internal/schema"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		runGenerate(log)
	case "lookup":
		runLookup(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Synthetic Cohort Generator CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cohortgen <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  generate  Generate a synthetic patient cohort for an ICD-10 code")
	fmt.Println("  lookup    Resolve an ICD-10 code to its diagnosis label")
	fmt.Println("  help      Show this help message")
	fmt.Println("\nRun 'cohortgen <command> -h' for more information on a command.")
}

// docList collects repeated -doc flags of the form "path=scope note".
type docList []retrieval.Document

func (d *docList) String() string { return fmt.Sprintf("%d documents", len(*d)) }

func (d *docList) Set(value string) error {
	path, note, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(note) == "" {
		return fmt.Errorf("expected path=scope-note, got %q", value)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	*d = append(*d, retrieval.Document{
		Filename:  filepath.Base(path),
		Data:      data,
		ScopeNote: strings.TrimSpace(note),
	})
	return nil
}

func runGenerate(log zerolog.Logger) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	code := fs.String("code", "", "ICD-10 code of the target diagnosis")
	n := fs.Int("n", 0, "Number of patients to generate")
	race := fs.String("race", "", "Race filter, | separated")
	ethnicity := fs.String("ethnicity", "", "Ethnicity filter, | separated")
	gender := fs.String("gender", "", "Gender filter, | separated")
	ageMin := fs.Int("age-min", 0, "Minimum patient age")
	ageMax := fs.Int("age-max", 0, "Maximum patient age")
	schemaPath := fs.String("schema", "", "Path to an extra-column schema file")
	seed := fs.String("seed", "", "Run seed, echoed into the run metadata")
	outDir := fs.String("out", ".", "Directory the archive is written to")
	var docs docList
	fs.Var(&docs, "doc", "Reference document as path=scope-note (repeatable)")
	fs.Parse(os.Args[2:])

	if *code == "" || *n < 1 {
		log.Fatal().Msg("Usage: cohortgen generate -code CODE -n COUNT [options]")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.APIKey == "" {
		log.Fatal().Msg("GEMINI_API_KEY is not set")
	}

	var specs []schema.ColumnSpec
	if *schemaPath != "" {
		text, err := os.ReadFile(*schemaPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *schemaPath).Msg("Failed to read schema file")
		}
		specs, err = schema.Parse(string(text))
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid schema")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	lookup := icd10.NewClient(cfg.LookupURL)
	diag, err := lookup.Resolve(ctx, *code)
	if err != nil {
		log.Fatal().Err(err).Str("code", *code).Msg("Diagnosis lookup failed")
	}
	log.Info().Str("icd10_code", diag.Code).Str("diagnosis", diag.Label).Msg("Diagnosis resolved")

	completions, err := cohort.NewGenAIClient(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create completion client")
	}

	var retriever cohort.ContextRetriever
	if len(docs) > 0 {
		embedder, err := retrieval.NewGenAIEmbedder(ctx, cfg.APIKey, cfg.EmbedModel)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create embedder")
		}
		retriever = retrieval.NewRetriever(embedder)
	}

	generator := cohort.NewGenerator(cfg, completions, retriever, log)

	req := &cohort.RunRequest{
		ICDCode:  diag.Code,
		ICDLabel: diag.Label,
		N:        *n,
		Filters: cohort.Filters{
			Race:      splitFilter(*race),
			Ethnicity: splitFilter(*ethnicity),
			Gender:    splitFilter(*gender),
			AgeMin:    *ageMin,
			AgeMax:    *ageMax,
		},
		Seed:         *seed,
		ExtraColumns: specs,
		Documents:    docs,
	}

	res, err := generator.Run(ctx, req)
	if err != nil {
		log.Fatal().Err(err).Msg("Generation failed")
	}
	defer os.RemoveAll(res.WorkDir)

	dest := filepath.Join(*outDir, filepath.Base(res.ArchivePath))
	if err := copyFile(res.ArchivePath, dest); err != nil {
		log.Fatal().Err(err).Msg("Failed to write archive")
	}

	if cfg.ArchiveBucket != "" {
		store, err := artifacts.NewGCSStore(ctx, cfg.ArchiveBucket)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create archive store")
		}
		defer store.Close()

		uri, err := store.UploadArchive(ctx, res.RunID, res.ArchivePath)
		if err != nil {
			log.Error().Err(err).Msg("Archive upload failed")
		} else {
			log.Info().Str("uri", uri).Msg("Archive uploaded")
		}
	}

	fmt.Printf("Generated %d patients (run %s)\n", len(res.Rows), res.RunID)
	if res.CostUSD != nil {
		fmt.Printf("Estimated cost: $%.4f\n", *res.CostUSD)
	}
	fmt.Printf("Archive: %s\n", dest)
}

func runLookup(log zerolog.Logger) {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	code := fs.String("code", "", "ICD-10 code to resolve")
	fs.Parse(os.Args[2:])

	if *code == "" {
		log.Fatal().Msg("Usage: cohortgen lookup -code CODE")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	diag, err := icd10.NewClient(cfg.LookupURL).Resolve(ctx, *code)
	if err != nil {
		log.Fatal().Err(err).Str("code", *code).Msg("Lookup failed")
	}

	fmt.Printf("%s: %s\n", diag.Code, diag.Label)
}

func splitFilter(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, "|") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// copyFile is used instead of os.Rename; the run workspace usually lives
// on a different filesystem than the destination.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy archive: %w", err)
	}
	return out.Close()
}
