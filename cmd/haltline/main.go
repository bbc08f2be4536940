// Command haltline runs the safety-core daemon: the world-state machine, the
// approval token service, the guarded executor, and the enforcement sweep,
// wired together behind the control plane. A handful of subcommands reuse
// the same wiring for operator reads.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haltline-labs/haltline/pkg/approval"
	"github.com/haltline-labs/haltline/pkg/audit"
	"github.com/haltline-labs/haltline/pkg/config"
	"github.com/haltline-labs/haltline/pkg/control"
	"github.com/haltline-labs/haltline/pkg/enforcement"
	"github.com/haltline-labs/haltline/pkg/evidence"
	"github.com/haltline-labs/haltline/pkg/executor"
	"github.com/haltline-labs/haltline/pkg/governance"
	"github.com/haltline-labs/haltline/pkg/identity"
	"github.com/haltline-labs/haltline/pkg/observability"
	"github.com/haltline-labs/haltline/pkg/world"
	"github.com/haltline-labs/haltline/pkg/worldstate"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 1 {
		cmd = args[1]
	}
	switch cmd {
	case "serve", "server":
		return runServe(stderr)
	case "state":
		return runState(stdout, stderr)
	case "verify-chain":
		return runVerifyChain(stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: haltline [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve         run the control daemon (default)")
	fmt.Fprintln(w, "  state         print the current world-state snapshot")
	fmt.Fprintln(w, "  verify-chain  verify the transition audit chain")
	fmt.Fprintln(w, "  health        probe a running daemon's health endpoint")
}

// daemon bundles the wired control plane with everything that needs closing.
type daemon struct {
	plane   *control.Plane
	profile *config.Profile
	closers []func() error
}

func (d *daemon) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildDaemon wires the full safety core from configuration. SQLite is the
// backbone; a Postgres DSN moves the state machine and token store over, and
// a Redis address takes the token store instead. Facts and receipts stay on
// the local SQLite file either way.
func buildDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	if cfg.SigningSecret == "" {
		return nil, errors.New("APPROVAL_SIGNING_SECRET is required")
	}

	d := &daemon{}
	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	lite, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	d.closers = append(d.closers, lite.Close)

	var pg *sql.DB
	if cfg.PostgresDSN != "" {
		pg, err = sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		d.closers = append(d.closers, pg.Close)
		if err := pg.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("postgres connected")
	}

	var stateStore worldstate.Store
	if pg != nil {
		stateStore, err = worldstate.NewPostgresStore(pg)
	} else {
		stateStore, err = worldstate.NewSQLiteStore(lite)
	}
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	var tokenStore approval.TokenStore
	switch {
	case cfg.RedisAddr != "":
		tokenStore = approval.NewRedisStore(cfg.RedisAddr, os.Getenv("HALTLINE_REDIS_PASSWORD"), cfg.RedisDB)
		logger.Info("token store on redis", "addr", cfg.RedisAddr)
	case pg != nil:
		tokenStore, err = approval.NewPostgresStore(pg)
	default:
		tokenStore, err = approval.NewSQLiteStore(lite)
	}
	if err != nil {
		return nil, fmt.Errorf("token store: %w", err)
	}

	worldStore, err := world.NewSQLiteStore(lite)
	if err != nil {
		return nil, fmt.Errorf("world store: %w", err)
	}
	receiptStore, err := executor.NewSQLiteReceiptStore(lite)
	if err != nil {
		return nil, fmt.Errorf("receipt store: %w", err)
	}
	evidenceStore, err := evidence.NewStoreFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence store: %w", err)
	}

	auditLog := audit.NewLogger()

	machine, err := worldstate.NewMachine(ctx, stateStore, worldstate.WithAudit(auditLog))
	if err != nil {
		return nil, fmt.Errorf("state machine: %w", err)
	}

	// A broken profile file stops the daemon; a missing one falls back to
	// the built-in default.
	profile, err := config.LoadGateProfile(cfg.ProfileDir, cfg.ProfileName)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		logger.Warn("gate profile not found, using built-in default", "profile", cfg.ProfileName)
		profile = config.DefaultGateProfile()
	}
	d.profile = profile

	minConfidence := profile.MinConfidence
	if minConfidence <= 0 {
		minConfidence = cfg.MinConfidence
	}
	tokenTTL := cfg.TokenTTL
	if profile.TokenTTLSeconds > 0 {
		tokenTTL = time.Duration(profile.TokenTTLSeconds) * time.Second
	}

	approvals, err := approval.NewService(cfg.SigningSecret, tokenTTL, tokenStore, approval.WithAudit(auditLog))
	if err != nil {
		return nil, fmt.Errorf("approval service: %w", err)
	}
	identities, err := identity.NewManager(cfg.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("identity manager: %w", err)
	}

	probes := make([]enforcement.Probe, 0, len(profile.Probes))
	for _, spec := range profile.Probes {
		p, err := enforcement.NewCELProbe(spec.Name, "", spec.Expr, spec.Critical)
		if err != nil {
			return nil, err
		}
		probes = append(probes, p)
	}
	enfOpts := []enforcement.Option{enforcement.WithAudit(auditLog)}
	if !cfg.EnforceFreeze {
		logger.Warn("enforcement in observe-only mode, tripwires will not freeze")
		enfOpts = append(enfOpts, enforcement.WithObserveOnly())
	}
	enforcer := enforcement.NewEnforcer(machine, worldStore, probes, enfOpts...)

	d.plane, err = control.NewPlane(control.Config{
		Machine:    machine,
		Approvals:  approvals,
		WorldStore: worldStore,
		Executor: executor.NewExecutor(receiptStore,
			executor.WithAudit(auditLog),
			executor.WithEvidenceStore(evidenceStore)),
		Gate:     governance.NewGate(minConfidence),
		Enforcer: enforcer,
		Identity: identities,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return d, nil
}

func runServe(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.Config{
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer shutdownWithTimeout(obs.Shutdown)

	d, err := buildDaemon(ctx, cfg, logger)
	if err != nil {
		logger.Error("boot failed", "error", err)
		return 1
	}
	defer func() { _ = d.Close() }()

	snap := d.plane.State(ctx)
	logger.Info("haltline ready",
		"state", snap.State,
		"profile", d.profile.Name,
		"probes", len(d.profile.Probes),
		"sweep_enabled", cfg.SweepEnabled,
		"sweep_interval", cfg.SweepInterval)

	healthSrv := startHealthServer(cfg.HealthAddr, d.plane, logger)
	defer shutdownWithTimeout(healthSrv.Shutdown)

	if cfg.SweepEnabled && len(d.profile.Probes) > 0 {
		go sweepLoop(ctx, d.plane, obs, cfg.SweepInterval, logger)
	} else {
		logger.Info("enforcement sweep loop disabled")
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return 0
}

// sweepLoop runs the tripwire sweep on a fixed interval until ctx ends.
func sweepLoop(ctx context.Context, plane *control.Plane, obs *observability.Provider, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := plane.Enforce(ctx)
			obs.RecordSweep(ctx, report.Action, report.Froze)
			if report.Froze {
				logger.Warn("auto-freeze applied", "reason", report.Reason)
			}
		}
	}
}

func startHealthServer(addr string, plane *control.Plane, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := plane.State(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"state":  snap.State,
			"reason": snap.Reason,
		})
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("health endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
		}
	}()
	return srv
}

func runState(stdout, stderr io.Writer) int {
	d, ctx, code := bootForRead(stderr)
	if d == nil {
		return code
	}
	defer func() { _ = d.Close() }()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(d.plane.State(ctx))
	return 0
}

func runVerifyChain(stdout, stderr io.Writer) int {
	d, ctx, code := bootForRead(stderr)
	if d == nil {
		return code
	}
	defer func() { _ = d.Close() }()

	ok, detail := d.plane.VerifyAuditChain(ctx)
	fmt.Fprintln(stdout, detail)
	if !ok {
		return 1
	}
	return 0
}

// bootForRead wires the daemon for a one-shot operator read, with logging
// kept out of stdout's way.
func bootForRead(stderr io.Writer) (*daemon, context.Context, int) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return nil, nil, 1
	}
	logger := newLogger("ERROR")
	ctx := context.Background()
	d, err := buildDaemon(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "boot: %v\n", err)
		return nil, nil, 1
	}
	return d, ctx, 0
}

func runHealth(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	addr := cfg.HealthAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = io.Copy(stdout, resp.Body)
	return 0
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lv = slog.LevelDebug
	case "WARN", "WARNING":
		lv = slog.LevelWarn
	case "ERROR":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
	slog.SetDefault(logger)
	return logger
}

func shutdownWithTimeout(f func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = f(ctx)
}
