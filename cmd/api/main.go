package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinsynth/cohortgen/internal/api/handlers"
	"github.com/clinsynth/cohortgen/internal/api/middleware"
	"github.com/clinsynth/cohortgen/internal/artifacts"
	"github.com/clinsynth/cohortgen/internal/cohort"
	"github.com/clinsynth/cohortgen/internal/config"
	"github.com/clinsynth/cohortgen/internal/icd10"
	"github.com/clinsynth/cohortgen/internal/jobs"
	"github.com/clinsynth/cohortgen/internal/jobs/inmemory"
	"github.com/clinsynth/cohortgen/internal/logger"
	"github.com/clinsynth/cohortgen/internal/retrieval"
)

// runGenerationJob executes one queued run and records the outcome on the
// job. Once an archive is safely in the bucket the local workspace is
// removed; without a bucket (or after a failed upload) the workspace stays
// so the download endpoint can serve the archive.
func runGenerationJob(ctx context.Context, generator *cohort.Generator, store artifacts.ArchiveStore, log zerolog.Logger, genJob *jobs.GenerateCohortJob) error {
	log.Info().
		Str("job_id", genJob.JobID).
		Str("icd10_code", genJob.ICDCode).
		Int("n", genJob.N).
		Msg("Processing generation job")

	res, err := generator.Run(ctx, genJob.Request)
	if err != nil {
		log.Error().
			Err(err).
			Str("job_id", genJob.JobID).
			Msg("Generation failed")
		return err
	}

	genJob.RunID = res.RunID
	genJob.ArchivePath = res.ArchivePath
	genJob.EstimatedCostUSD = res.CostUSD

	if store != nil {
		uri, err := store.UploadArchive(ctx, res.RunID, res.ArchivePath)
		if err != nil {
			// The run itself succeeded; keep it downloadable locally.
			log.Error().Err(err).Str("run_id", res.RunID).Msg("Archive upload failed")
		} else {
			genJob.ArchiveURL = uri
			genJob.ArchivePath = ""
			if err := os.RemoveAll(res.WorkDir); err != nil {
				log.Error().Err(err).Str("run_id", res.RunID).Msg("Workspace cleanup failed")
			}
		}
	}

	log.Info().
		Str("job_id", genJob.JobID).
		Str("run_id", res.RunID).
		Int("rows", len(res.Rows)).
		Msg("Generation job completed")

	return nil
}

func main() {
	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.APIKey == "" {
		log.Fatal().Msg("GEMINI_API_KEY is not set")
	}

	ctx := context.Background()

	completions, err := cohort.NewGenAIClient(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create completion client")
	}
	embedder, err := retrieval.NewGenAIEmbedder(ctx, cfg.APIKey, cfg.EmbedModel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create embedder")
	}
	generator := cohort.NewGenerator(cfg, completions, retrieval.NewRetriever(embedder), log)
	lookup := icd10.NewClient(cfg.LookupURL)

	// Archive retention is optional; without a bucket, runs stay in the
	// local workspace for the lifetime of the process.
	var store artifacts.ArchiveStore
	if cfg.ArchiveBucket != "" {
		gcsStore, err := artifacts.NewGCSStore(ctx, cfg.ArchiveBucket)
		if err != nil {
			log.Fatal().Err(err).Str("bucket", cfg.ArchiveBucket).Msg("Failed to create archive store")
		}
		defer gcsStore.Close()
		store = gcsStore
		log.Info().Str("bucket", cfg.ArchiveBucket).Msg("Archive uploads enabled")
	}

	// Job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(100, 2, jobStore)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	jobHandler := func(ctx context.Context, job jobs.Job) error {
		genJob, ok := job.(*jobs.GenerateCohortJob)
		if !ok {
			return fmt.Errorf("unexpected job type: %T", job)
		}
		return runGenerationJob(ctx, generator, store, log, genJob)
	}

	go func() {
		log.Info().Msg("Starting generation worker")
		if err := jobQueue.Start(workerCtx, jobHandler); err != nil {
			log.Error().Err(err).Msg("Generation worker stopped with error")
		}
	}()

	// Handlers
	cohortsHandler := handlers.NewCohortsHandler(lookup, jobQueue, jobStore, cfg.MaxPatients, log)
	lookupHandler := handlers.NewLookupHandler(lookup, log)
	jobsHandler := handlers.NewJobsHandler(jobStore, log)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/cohorts", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			cohortsHandler.CreateCohort(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/cohorts/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/api/cohorts/")
		runID, ok := strings.CutSuffix(rest, "/archive")
		if !ok || runID == "" {
			middleware.WriteError(w, http.StatusNotFound, "Not found")
			return
		}
		cohortsHandler.DownloadArchive(w, r, runID)
	})

	mux.HandleFunc("/api/icd10", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			lookupHandler.ResolveCode(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			jobsHandler.ListJobs(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
			if jobID == "" {
				middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
				return
			}
			jobsHandler.GetJob(w, r, jobID)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(
				middleware.CORS(mux),
			),
		),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	log.Info().Msg("Server exited")
}
