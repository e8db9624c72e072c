package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-reel/internal/api"
	"github.com/zombor/receipt-reel/internal/dedup"
	"github.com/zombor/receipt-reel/internal/journal"
	"github.com/zombor/receipt-reel/internal/pipeline"
	"github.com/zombor/receipt-reel/internal/sampling"
	"github.com/zombor/receipt-reel/internal/scanning"
	"github.com/zombor/receipt-reel/internal/store"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type config struct {
	port          int
	dbPath        string
	storagePath   string
	scanner       string
	geminiKey     string
	geminiModel   string
	ollamaURL     string
	ollamaModel   string
	tesseract     string
	tesseractLang string
	ffmpeg        string
	ffprobe       string
	sampleRate    float64
	stillInterval time.Duration
	workers       int
	queueSize     int
	ocrWorkers    int
	ocrRPS        float64
	ocrTimeout    time.Duration
	enhance       bool
	jobTimeout    time.Duration
	maxIndexGap   int
	rulesPath     string
	authUser      string
	authPass      string
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receipt-reel")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "receipt-reel.db", "Database file path")
		storagePath   = fs.StringLong("storage", "./frames", "Frame image storage directory")
		scanner       = fs.StringLong("scanner", "gemini", "OCR provider: 'gemini', 'ollama' or 'tesseract'")
		geminiKey     = fs.StringLong("gemini-api-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama vision model name")
		tesseract     = fs.StringLong("tesseract", "tesseract", "tesseract binary")
		tesseractLang = fs.StringLong("tesseract-lang", "jpn+eng", "tesseract language packs")
		ffmpeg        = fs.StringLong("ffmpeg", "ffmpeg", "ffmpeg binary")
		ffprobe       = fs.StringLong("ffprobe", "ffprobe", "ffprobe binary")
		sampleRate    = fs.Float64Long("sample-rate", 1/1.5, "Default frames sampled per second of video")
		stillInterval = fs.DurationLong("still-interval", sampling.DefaultPageInterval, "Time each photo or PDF page occupies")
		workers       = fs.IntLong("workers", 2, "Jobs processed concurrently")
		queueSize     = fs.IntLong("queue-size", 64, "Jobs waiting for a worker before submissions are rejected")
		ocrWorkers    = fs.IntLong("ocr-concurrency", 4, "OCR calls in flight per job")
		ocrRPS        = fs.Float64Long("ocr-rps", 2, "OCR calls per second across all jobs (0 disables the limit)")
		ocrTimeout    = fs.DurationLong("ocr-timeout", 2*time.Minute, "Timeout of a single OCR call")
		enhance       = fs.BoolLong("enhance", "Sharpen and boost contrast of frames before OCR")
		jobTimeout    = fs.DurationLong("job-timeout", 30*time.Minute, "Maximum run time of one job")
		maxIndexGap   = fs.IntLong("max-index-gap", dedup.DefaultConfig().MaxIndexGap, "Frame distance under which frames without comparable fields are merged")
		rulesPath     = fs.StringLong("rules", "", "Classification rules TOML file (built-in rules when empty)")
		authUser      = fs.StringLong("auth-username", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-password", "", "Basic auth password (optional)")
		logLevel      = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_REEL"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	cfg := config{
		port:          *port,
		dbPath:        *dbPath,
		storagePath:   *storagePath,
		scanner:       *scanner,
		geminiKey:     *geminiKey,
		geminiModel:   *geminiModel,
		ollamaURL:     *ollamaURL,
		ollamaModel:   *ollamaModel,
		tesseract:     *tesseract,
		tesseractLang: *tesseractLang,
		ffmpeg:        *ffmpeg,
		ffprobe:       *ffprobe,
		sampleRate:    *sampleRate,
		stillInterval: *stillInterval,
		workers:       *workers,
		queueSize:     *queueSize,
		ocrWorkers:    *ocrWorkers,
		ocrRPS:        *ocrRPS,
		ocrTimeout:    *ocrTimeout,
		enhance:       *enhance,
		jobTimeout:    *jobTimeout,
		maxIndexGap:   *maxIndexGap,
		rulesPath:     *rulesPath,
		authUser:      *authUser,
		authPass:      *authPass,
	}

	logger, err := newLogger(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, fs.GetArgs()); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, sources []string) error {
	slog.Info("Initializing database...", "path", cfg.dbPath)
	db, err := store.NewBoltDB(cfg.dbPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	slog.Info("Initializing storage...", "path", cfg.storagePath)
	images, err := store.NewLocalStorage(cfg.storagePath)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	apiKey := cfg.geminiKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if strings.EqualFold(cfg.scanner, "gemini") && apiKey == "" {
		return errors.New("gemini API key is required: set --gemini-api-key or GEMINI_API_KEY")
	}

	slog.Info("Initializing OCR provider...", "provider", cfg.scanner)
	provider, err := scanning.NewRecognizer(ctx, scanning.Config{
		Provider:      cfg.scanner,
		GeminiAPIKey:  apiKey,
		GeminiModel:   cfg.geminiModel,
		OllamaURL:     cfg.ollamaURL,
		OllamaModel:   cfg.ollamaModel,
		Tesseract:     cfg.tesseract,
		TesseractLang: cfg.tesseractLang,
	})
	if err != nil {
		return fmt.Errorf("initializing OCR provider: %w", err)
	}
	recognizer := scanning.NewAdapter(provider,
		scanning.WithRateLimit(cfg.ocrRPS, cfg.ocrWorkers),
		scanning.WithTimeout(cfg.ocrTimeout),
		scanning.WithEnhancement(cfg.enhance),
	)
	defer recognizer.Close()

	rules := journal.DefaultRules()
	if cfg.rulesPath != "" {
		slog.Info("Loading classification rules...", "path", cfg.rulesPath)
		if rules, err = journal.LoadRules(cfg.rulesPath); err != nil {
			return fmt.Errorf("loading rules: %w", err)
		}
	}
	classifier, err := journal.NewRuleClassifier(rules)
	if err != nil {
		return fmt.Errorf("compiling rules: %w", err)
	}

	dedupCfg := dedup.DefaultConfig()
	dedupCfg.MaxIndexGap = cfg.maxIndexGap

	source := sampling.Router{
		Video:  sampling.NewFFmpegSource(cfg.ffmpeg, cfg.ffprobe),
		Stills: sampling.StillsSource{Interval: cfg.stillInterval},
		PDF:    sampling.PDFSource{Interval: cfg.stillInterval},
	}

	runner := pipeline.NewRunner(db, source, recognizer, journal.NewGenerator(classifier), slog.Default(),
		pipeline.WithOCRConcurrency(cfg.ocrWorkers),
		pipeline.WithDedupConfig(dedupCfg),
		pipeline.WithImageStorage(images),
	)

	if len(sources) > 0 {
		return runOnce(ctx, cfg, db, runner, sources)
	}
	return serve(ctx, cfg, db, images, runner)
}

// serve runs the job queue and HTTP API until ctx is cancelled
func serve(ctx context.Context, cfg config, db *store.BoltDB, images store.Storage, runner *pipeline.Runner) error {
	queue := pipeline.NewQueue(runner, db, slog.Default(),
		pipeline.WithWorkers(cfg.workers),
		pipeline.WithQueueSize(cfg.queueSize),
		pipeline.WithJobTimeout(cfg.jobTimeout),
	)
	defer func() {
		slog.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		queue.Shutdown(shutdownCtx)
	}()

	recovered, err := queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering jobs: %w", err)
	}
	if recovered > 0 {
		slog.Info("Recovered unfinished jobs", "count", recovered)
	}

	basicAuth := api.BasicAuth{
		Username: cfg.authUser,
		Password: cfg.authPass,
	}
	server := api.NewServer(api.NewService(db, queue, images, cfg.sampleRate), basicAuth)
	if cfg.authUser != "" || cfg.authPass != "" {
		slog.Info("Basic auth enabled", "user", cfg.authUser)
	}

	return server.Start(ctx, fmt.Sprintf(":%d", cfg.port))
}

// runOnce processes each source in the foreground and prints a summary
func runOnce(ctx context.Context, cfg config, db *store.BoltDB, runner *pipeline.Runner, sources []string) error {
	var failed int
	for _, src := range sources {
		job, err := pipeline.NewJob(src, cfg.sampleRate, time.Now())
		if err != nil {
			return err
		}
		if err := db.SaveJob(job); err != nil {
			return fmt.Errorf("saving job: %w", err)
		}

		jobCtx, cancel := context.WithTimeout(ctx, cfg.jobTimeout)
		runErr := runner.Run(jobCtx, job.ID)
		cancel()
		if runErr != nil {
			failed++
			slog.Error("Job did not finish", "job_id", job.ID, "source", src, "error", runErr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := printSummary(os.Stdout, db, job.ID); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs did not finish", failed, len(sources))
	}
	return nil
}
