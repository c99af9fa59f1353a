package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ruleslawyer/internal/config"
	"ruleslawyer/internal/engine"
	"ruleslawyer/internal/governor"
	"ruleslawyer/internal/logging"
	"ruleslawyer/internal/pipeline"
	"ruleslawyer/internal/progress"
	"ruleslawyer/internal/search"
	"ruleslawyer/internal/session"
	"ruleslawyer/internal/transport"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ruleslawyer",
	Short: "Rules Lawyer - board game rulebook Q&A bot",
	Long: `Rules Lawyer answers board game rules questions over Telegram.

Questions are resolved against a local corpus of rulebook PDFs: the
reasoning engine plans searches, ugrep executes them under admission
control, and every answer must cite search results that actually ran.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd starts the Telegram service.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Telegram bot until interrupted",
	RunE:  runService,
}

// askCmd answers one question through the full pipeline on stdout.
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a single question without Telegram",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

// gamesCmd prints the corpus index.
var gamesCmd = &cobra.Command{
	Use:   "games",
	Short: "List the indexed rulebooks",
	RunE:  runGames,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ruleslawyer.yaml", "Config file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(gamesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// service bundles everything a command needs after wiring.
type service struct {
	cfg     *config.Config
	gov     *governor.Governor
	store   *session.Store
	db      *session.DB
	library *search.Library
	runner  *pipeline.Runner
}

func buildService(ctx context.Context) (*service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logOpts := logging.Options{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}
	if err := logging.Initialize(cfg.DataPath, logOpts); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Boot("starting with corpus=%s data=%s", cfg.Corpus.Path, cfg.DataPath)

	library, err := search.NewLibrary(cfg.Corpus.Path, cfg.Corpus.Watch)
	if err != nil {
		return nil, err
	}

	db, err := session.OpenDB(filepath.Join(cfg.DataPath, "sessions.db"))
	if err != nil {
		library.Close()
		return nil, err
	}

	gov := governor.New(governor.Config{
		MaxRequests:    cfg.Governor.MaxRequests,
		Window:         cfg.RateWindow(),
		MaxConcurrent:  cfg.Governor.MaxConcurrentSearches,
		AcquireTimeout: cfg.AcquireTimeout(),
	})
	store := session.NewStore(db, session.BusyPolicy(cfg.Session.BusyPolicy), cfg.SessionIdleTTL())
	exec := search.NewExecutor(cfg.Corpus.Path, cfg.SearchTimeout())

	eng, err := engine.NewGemini(ctx, cfg.Engine.APIKey, cfg.Engine.Model, cfg.EngineTimeout())
	if err != nil {
		store.Close()
		db.Close()
		library.Close()
		return nil, err
	}

	runner := pipeline.NewRunner(eng, gov, store, exec, library, pipeline.Config{
		MaxSearchRounds:          cfg.Pipeline.MaxSearchRounds,
		RetryOnEvidenceViolation: cfg.Pipeline.RetryOnEvidenceViolation,
		ChunkSize:                cfg.Transport.MaxChunkSize,
	})

	return &service{cfg: cfg, gov: gov, store: store, db: db, library: library, runner: runner}, nil
}

func (s *service) close() {
	s.store.Close()
	s.db.Close()
	s.library.Close()
	logging.Close()
}

func runService(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	svc, err := buildService(ctx)
	if err != nil {
		return err
	}
	defer svc.close()

	if svc.cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required (set telegram.token or TELEGRAM_TOKEN)")
	}

	tg, err := transport.NewTelegram(svc.cfg, svc.runner, svc.gov, svc.library)
	if err != nil {
		return err
	}

	logger.Info("Rules Lawyer running",
		zap.Int("rulebooks", len(svc.library.Files())),
		zap.Int("search_slots", svc.cfg.Governor.MaxConcurrentSearches))

	if err := tg.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logging.Boot("shutdown complete")
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := buildService(ctx)
	if err != nil {
		return err
	}
	defer svc.close()

	question := strings.Join(args, " ")
	console := &transport.Console{Out: os.Stdout, Err: os.Stderr}

	rep := progress.NewReporter(svc.cfg.ProgressDebounce())
	done := console.RenderProgress(rep.Events())

	// The CLI always asks as the same pseudo-user, so history accumulates
	// across invocations against the same data directory.
	action, err := svc.runner.RunTurn(ctx, 0, question, rep)
	<-done
	if err != nil {
		logger.Debug("turn error", zap.Error(err))
	}
	console.Deliver(action)
	return nil
}

func runGames(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	library, err := search.NewLibrary(cfg.Corpus.Path, false)
	if err != nil {
		return err
	}
	defer library.Close()

	for _, g := range library.Games() {
		fmt.Println(g)
	}
	return nil
}
