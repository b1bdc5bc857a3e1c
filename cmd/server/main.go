/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the BSK ledger and commission server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and BSK_* environment variables
  2. Apply command-line overrides
  3. Open the SQLite store (migrations run on open)
  4. Load the program (badge tiers, rate bands, milestones, base rules)
  5. Build the service, router and audit scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  --port              HTTP server port (BSK_PORT, default 8080)
  --db                SQLite database path (BSK_DB_PATH, default bsk.db)
                      Use ":memory:" for an in-memory database
  --program           Program JSON file (BSK_PROGRAM_FILE, default built-in)
  --audit-interval    Scheduled audit interval, 0 disables (BSK_AUDIT_INTERVAL)
  --event-rate        Requests/second per client on /api/events, 0 disables (BSK_EVENT_RATE)
  --verbose           Debug logging (BSK_VERBOSE)
  --check-program     Validate the program file and exit

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the audit scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

SEE ALSO:
  - config/config.go: Environment configuration
  - api/server.go: Router configuration
  - factory/program.go: Program JSON
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/warp/bsk-engine/api"
	"github.com/warp/bsk-engine/bsk"
	"github.com/warp/bsk-engine/config"
	"github.com/warp/bsk-engine/factory"
	"github.com/warp/bsk-engine/logger"
	"github.com/warp/bsk-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}

	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.StringVar(&cfg.ProgramFile, "program", cfg.ProgramFile, "program JSON file (empty = built-in default)")
	flag.DurationVar(&cfg.AuditInterval, "audit-interval", cfg.AuditInterval, "scheduled audit interval (0 disables)")
	flag.Float64Var(&cfg.EventRate, "event-rate", cfg.EventRate, "requests per second per client on /api/events (0 disables)")
	flag.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable verbose (debug) logging")
	checkProgram := flag.Bool("check-program", false, "validate the program file and exit")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.New(cfg.Verbose)

	program, err := factory.LoadProgram(cfg.ProgramFile)
	if err != nil {
		return err
	}
	if *checkProgram {
		log.Info("program is valid",
			"file", cfg.ProgramFile,
			"tiers", len(program.Tiers.All()),
			"bands", len(program.Rates.Bands()),
			"thresholds", len(program.Thresholds),
			"vip_badge", program.VIPBadge)
		return nil
	}

	store, err := sqlite.New(cfg.DBPath, sqlite.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	clock := clockwork.NewRealClock()
	svc, err := bsk.New(bsk.Config{
		Store:          store,
		Program:        program,
		Clock:          clock,
		Logger:         log,
		FanoutWorkers:  cfg.FanoutWorkers,
		RebuildWorkers: cfg.RebuildWorkers,
		CacheTTL:       cfg.CacheTTL,
	})
	if err != nil {
		return err
	}

	handler := api.NewHandler(svc, log)
	if cfg.EventRate > 0 {
		handler.EventLimiter = api.NewRateLimiter(cfg.EventRate, cfg.EventBurst, clock)
	}
	router := api.NewRouter(handler)

	scheduler := api.NewAuditScheduler(svc, clock, log)
	scheduler.CheckInterval = cfg.AuditInterval
	scheduler.Enabled = cfg.AuditInterval > 0
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", server.Addr, "db", cfg.DBPath, "program", cfg.ProgramFile)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	log.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
