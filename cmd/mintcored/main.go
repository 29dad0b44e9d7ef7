package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rubinfoundry/mintcore/internal/config"
	"github.com/rubinfoundry/mintcore/internal/embedding"
	"github.com/rubinfoundry/mintcore/internal/expiry"
	"github.com/rubinfoundry/mintcore/internal/httpapi"
	"github.com/rubinfoundry/mintcore/internal/license"
	"github.com/rubinfoundry/mintcore/internal/llm"
	"github.com/rubinfoundry/mintcore/internal/logging"
	"github.com/rubinfoundry/mintcore/internal/mint"
	"github.com/rubinfoundry/mintcore/internal/nonce"
	"github.com/rubinfoundry/mintcore/internal/signer"
	"github.com/rubinfoundry/mintcore/internal/similarity"
	"github.com/rubinfoundry/mintcore/internal/store"
	"github.com/rubinfoundry/mintcore/internal/vectorindex"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defaults := config.Default()
	cfg := defaults

	fs := flag.NewFlagSet("mintcored", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.DataDir, "datadir", defaults.DataDir, "data directory for the embedded store")
	fs.StringVar(&cfg.BindAddr, "bind", defaults.BindAddr, "HTTP bind address host:port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaults.LogLevel, "log level: debug|info|warn|error")
	dryRun := fs.Bool("dry-run", false, "validate config and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	envCfg := config.FromEnv()
	envCfg.DataDir = cfg.DataDir
	envCfg.BindAddr = cfg.BindAddr
	envCfg.LogLevel = cfg.LogLevel
	cfg = envCfg

	if err := config.Validate(cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	if *dryRun {
		_, _ = fmt.Fprintf(stdout, "mintcored: config OK, datadir=%s bind=%s\n", cfg.DataDir, cfg.BindAddr)
		return 0
	}

	log := logging.New(cfg.LogLevel, stdout)

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "store open failed: %v\n", err)
		return 2
	}
	defer db.Close()

	sign, err := signer.New(cfg.BackendVerifierPrivateKeyHex)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "signer init failed: %v\n", err)
		return 2
	}
	log.Info().Str("address", sign.Address().Hex()).Msg("backend verifier key loaded")

	nonceAllocator := nonce.New(db)

	modelClient := embedding.NewHTTPModelClient(cfg.EmbeddingEndpoint, cfg.EmbeddingAPIKey, cfg.EmbeddingModel)
	frameExtractor := embedding.FFmpegFrameExtractor{}
	embedProvider, err := embedding.New(embedding.Config{
		MaxVideoFrames: cfg.MaxVideoFrames,
		Dimension:      cfg.EmbeddingDim,
	}, modelClient, frameExtractor, 1024)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "embedding provider init failed: %v\n", err)
		return 2
	}

	index, err := vectorindex.NewHTTPIndex(cfg.VectorIndexEndpoint, cfg.VectorIndexAPIKey, cfg.VectorIndexName)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "vector index init failed: %v\n", err)
		return 2
	}

	var adjudicator llm.Adjudicator = llm.NoOp{}
	if cfg.EnableLLMAnalysis {
		adjudicator = llm.NewHTTPAdjudicator(cfg.LLMEndpoint, cfg.LLMAPIKey, cfg.LLMModel)
	}

	simEngine, err := similarity.New(similarity.Config{
		Thresholds:        similarity.Thresholds{Clean: cfg.ThresholdClean, Warn: cfg.ThresholdWarn},
		TopK:              cfg.SimilarityTopK,
		EmbeddingModel:    cfg.EmbeddingModel,
		EnableLLMAnalysis: cfg.EnableLLMAnalysis,
	}, db, embedProvider, index, adjudicator,
		vectorindex.Namespace(cfg.VectorNamespaceRegistered),
		vectorindex.Namespace(cfg.VectorNamespacePending),
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "similarity engine init failed: %v\n", err)
		return 2
	}

	mintEngine := mint.New(db, nonceAllocator, sign, simEngine, log)
	licenseService := license.New(db)

	sweepInterval, err := time.ParseDuration(cfg.ExpirySweep)
	if err != nil || sweepInterval <= 0 {
		sweepInterval = expiry.DefaultInterval
	}
	expiryWorker := expiry.New(db, sweepInterval, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go expiryWorker.Run(ctx)

	handler := httpapi.New(mintEngine, licenseService, log)
	srv := &http.Server{Addr: cfg.BindAddr, Handler: handler}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	_, _ = fmt.Fprintf(stdout, "mintcored listening on %s, datadir=%s\n", cfg.BindAddr, cfg.DataDir)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_, _ = fmt.Fprintf(stderr, "shutdown error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, "mintcored stopped")
		return 0
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			_, _ = fmt.Fprintf(stderr, "server error: %v\n", err)
			return 1
		}
		return 0
	}
}
