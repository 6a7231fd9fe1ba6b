// Device auth hub server.
// Serves enrollment, refresh, recovery, and proof-bound session APIs.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/fleetctrl/fleetauth/internal/api"
	"github.com/fleetctrl/fleetauth/internal/version"
	"github.com/fleetctrl/fleetauth/pkg/audit"
	"github.com/fleetctrl/fleetauth/pkg/dpop"
	"github.com/fleetctrl/fleetauth/pkg/enrollment"
	"github.com/fleetctrl/fleetauth/pkg/refresh"
	"github.com/fleetctrl/fleetauth/pkg/replay"
	"github.com/fleetctrl/fleetauth/pkg/session"
	"github.com/fleetctrl/fleetauth/pkg/store"
	"github.com/fleetctrl/fleetauth/pkg/token"
)

var (
	listenAddr  = flag.String("listen", "", "HTTP listen address (default :8443)")
	externalURL = flag.String("external-url", "", "Public base URL devices sign proofs over")
	dbPath      = flag.String("db", "", "Database path (default: ~/.local/share/fleetauth/fleetauth.db)")
	debugMode   = flag.Bool("debug", false, "Return precise error codes in responses")
)

// sweepInterval paces the background expiry and replay purge loops.
const sweepInterval = 5 * time.Minute

// sweepBatch bounds how many rows a single sweep pass may touch.
const sweepBatch = 500

func main() {
	flag.CommandLine.SetOutput(os.Stdout)
	flag.Parse()

	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	cfg := session.DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *externalURL != "" {
		cfg.ExternalURL = *externalURL
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *debugMode {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	log.Printf("fleetauthd v%s starting...", version.Version)

	path := cfg.DatabasePath
	if path == "" {
		path = store.DefaultPath()
	}
	st, err := store.Open(path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	// The replay window matches the proof freshness window so a jti
	// record outlives every proof that could replay it.
	replayWindow := dpop.DefaultMaxProofAge + dpop.DefaultClockSkew
	var replays replay.Store
	switch kind := cfg.ReplayBackendKind(); kind {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to redis at %s: %v", cfg.RedisAddr, err)
		}
		replays = replay.NewRedisStore(client, replayWindow)
		logger.Info("replay backend", "kind", kind, "addr", cfg.RedisAddr)
	case "sqlite":
		// Persists jtis in the hub database so replay protection
		// survives restarts without an external service.
		replays = st.NewReplayStore(replayWindow)
		logger.Info("replay backend", "kind", kind)
	default:
		replays = replay.NewMemoryStore(replay.WithWindow(replayWindow))
		logger.Info("replay backend", "kind", kind)
	}
	defer replays.Close()

	tokens, err := token.New(token.Config{
		Secret:   cfg.SigningSecret,
		Issuer:   cfg.ExternalURL,
		Audience: cfg.ExternalURL,
		TTL:      cfg.AccessTokenTTL,
	})
	if err != nil {
		log.Fatalf("Failed to build token issuer: %v", err)
	}

	refreshMgr := refresh.NewManager(st,
		refresh.WithTTL(cfg.RefreshTokenTTL),
		refresh.WithGraceWindow(cfg.RotationGrace),
	)

	recorder := audit.NewRecorder(logger, audit.NewSlogEmitter(logger), st.NewAuditSink())

	svc := session.NewService(
		dpop.NewVerifier(dpop.DefaultVerifierConfig()),
		replays,
		tokens,
		refreshMgr,
		enrollment.NewLedger(st),
		recorder,
		logger,
	)

	mux := http.NewServeMux()
	server := api.NewServer(svc, api.WithLogger(logger), api.WithDebugMode(cfg.Debug))
	server.RegisterRoutes(mux)
	if cfg.Debug {
		logger.Warn("debug mode enabled, responses carry precise error codes")
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, cancelSweeps := context.WithCancel(context.Background())
	go runSweeps(sweepCtx, st, refreshMgr, replayWindow, logger)

	// Handle shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancelSweeps()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("HTTP server listening on %s", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}

	log.Println("Server stopped")
}

// runSweeps periodically expires stale refresh tokens and purges replay
// records past the freshness window. Each pass repeats batch-bounded
// sweeps until the backlog is drained, so no single statement holds the
// database for long but a backlog larger than one batch cannot grow
// across ticks.
func runSweeps(ctx context.Context, st *store.Store, mgr *refresh.Manager, replayWindow time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepUntilDrained(ctx, logger, "expired refresh tokens", func() (int64, error) {
				return mgr.ExpireSweep(ctx, sweepBatch)
			})
			sweepUntilDrained(ctx, logger, "purged replay records", func() (int64, error) {
				return st.PurgeReplayRecords(ctx, replayWindow, sweepBatch)
			})
		}
	}
}

// sweepUntilDrained runs one sweep function in sweepBatch-sized passes
// until a pass comes back short of the batch limit.
func sweepUntilDrained(ctx context.Context, logger *slog.Logger, what string, sweep func() (int64, error)) {
	var total int64
	for {
		n, err := sweep()
		if err != nil {
			logger.Error("sweep failed", "what", what, "error", err)
			return
		}
		total += n
		if n < sweepBatch || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		logger.Info(what, "count", total)
	}
}
