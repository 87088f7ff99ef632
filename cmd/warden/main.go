package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/api"
	"github.com/Mindburn-Labs/warden/pkg/confidence"
	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/fingerprint"
	"github.com/Mindburn-Labs/warden/pkg/governor"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/receipts"
	"github.com/Mindburn-Labs/warden/pkg/requalify"
	"github.com/Mindburn-Labs/warden/pkg/session"
	"github.com/Mindburn-Labs/warden/pkg/statestore"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "decide":
		return runDecide(args[2:], stdout, stderr)
	case "report":
		return runReport(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "warden - autonomy governance core")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  warden <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve    Run the governance HTTP server (default)")
	fmt.Fprintln(w, "  decide   Govern a command locally (--command, --domain, --mode, --simulate)")
	fmt.Fprintln(w, "  report   Report a run outcome locally (--fingerprint, --success, ...)")
	fmt.Fprintln(w, "  status   Show governance state for a fingerprint (--fingerprint)")
	fmt.Fprintln(w, "  verify   Verify the receipt chain end to end")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
}

// loadConfig reads the environment configuration, overlaying a YAML profile
// when --profile is given.
func loadConfig(fs *flag.FlagSet) (*config.Config, error) {
	profile := fs.Lookup("profile")
	if profile != nil && profile.Value.String() != "" {
		return config.LoadFile(profile.Value.String())
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildSession wires the full governance stack from configuration. The
// returned closer releases the ledger backend.
func buildSession(ctx context.Context, cfg *config.Config) (*session.Session, func(), error) {
	store, err := statestore.New(cfg.StateDir)
	if err != nil {
		return nil, nil, err
	}

	ledger, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	deriver, err := fingerprint.New(cfg.Rules)
	if err != nil {
		closeLedger()
		return nil, nil, err
	}

	metrics, err := observability.New(ctx, &observability.Config{
		ServiceName:    "warden",
		ServiceVersion: "1.0.0",
		Environment:    os.Getenv("WARDEN_ENV"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		Insecure:       os.Getenv("WARDEN_OTEL_INSECURE") == "true",
	})
	if err != nil {
		closeLedger()
		return nil, nil, err
	}

	machine := requalify.NewMachine(store, ledger, cfg.ProbationOrDefault())
	gov := governor.New(store, cfg.LimitsFor)
	conf := confidence.NewEngine(store, ledger)

	sess := session.New(deriver, machine, gov, conf, ledger, metrics)
	closer := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
		closeLedger()
	}
	return sess, closer, nil
}

func openLedger(ctx context.Context, cfg *config.Config) (receipts.Ledger, func(), error) {
	switch cfg.LedgerBackend {
	case "file":
		ledger, err := receipts.NewFileLedger(cfg.LedgerPath)
		if err != nil {
			return nil, nil, err
		}
		return ledger, func() {}, nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.LedgerPath)
		if err != nil {
			return nil, nil, err
		}
		ledger, err := receipts.NewSQLiteLedger(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return ledger, func() { _ = db.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		ledger := receipts.NewSQLLedger(db)
		if err := ledger.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return ledger, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.String("profile", "", "Path to a YAML configuration profile")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(fs)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, closer, err := buildSession(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer closer()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(sess, api.NewJWTValidator(cfg.AuthSecret), api.NewCallerLimiter(cfg.RateRPS, cfg.RateBurst)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("warden listening", "port", cfg.Port, "ledger", cfg.LedgerBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(stderr, "Shutdown error: %v\n", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "Server error: %v\n", err)
			return 1
		}
		return 0
	}
}

func runDecide(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("decide", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		command  = fs.String("command", "", "Command line to govern (REQUIRED)")
		domain   = fs.String("domain", "", "Target domain of the command")
		mode     = fs.String("mode", "SUPERVISED", "Nominal autonomy mode")
		simulate = fs.Bool("simulate", false, "Compute the decision without consuming budget")
	)
	fs.String("profile", "", "Path to a YAML configuration profile")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *command == "" {
		fmt.Fprintln(stderr, "Error: --command is required")
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(fs)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	sess, closer, err := buildSession(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer closer()

	result, err := sess.Govern(ctx, session.GovernRequest{
		Command:  *command,
		Domain:   *domain,
		Mode:     requalify.Mode(*mode),
		Simulate: *simulate,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Govern failed: %v\n", err)
		return 1
	}

	printJSON(stdout, result)
	if !result.Decision.Allowed() {
		return 1
	}
	return 0
}

func runReport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		fp         = fs.String("fingerprint", "", "Fingerprint the run belonged to (REQUIRED)")
		success    = fs.Bool("success", false, "Run completed successfully")
		decision   = fs.String("decision", "ALLOW", "Governor decision that admitted the run")
		denied     = fs.Bool("policy-denied", false, "A policy denial occurred")
		throttled  = fs.Bool("throttled", false, "The run was throttled")
		rolledBack = fs.Bool("rolled-back", false, "The run was rolled back")
		approval   = fs.Bool("approval-required", false, "The run required an approval")
		nominal    = fs.String("nominal-mode", "SUPERVISED", "Nominal autonomy mode of the run")
		effective  = fs.String("effective-mode", "SUPERVISED", "Effective autonomy mode of the run")
	)
	fs.String("profile", "", "Path to a YAML configuration profile")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *fp == "" {
		fmt.Fprintln(stderr, "Error: --fingerprint is required")
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(fs)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	sess, closer, err := buildSession(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer closer()

	result, err := sess.Report(ctx, *fp, requalify.Outcome{
		Success:          *success,
		GovernorDecision: *decision,
		PolicyDenied:     *denied,
		Throttled:        *throttled,
		RolledBack:       *rolledBack,
		ApprovalRequired: *approval,
		NominalMode:      requalify.Mode(*nominal),
		EffectiveMode:    requalify.Mode(*effective),
	})
	if err != nil {
		fmt.Fprintf(stderr, "Report failed: %v\n", err)
		return 1
	}

	printJSON(stdout, result)
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fp := fs.String("fingerprint", "", "Fingerprint to inspect (REQUIRED)")
	fs.String("profile", "", "Path to a YAML configuration profile")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *fp == "" {
		fmt.Fprintln(stderr, "Error: --fingerprint is required")
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(fs)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}

	sess, closer, err := buildSession(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer closer()

	status, err := sess.StatusOf(*fp)
	printJSON(stdout, status)
	if err != nil {
		fmt.Fprintf(stderr, "Warning: %v\n", err)
		return 1
	}
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	fs.String("profile", "", "Path to a YAML configuration profile")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(fs)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	sess, closer, err := buildSession(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer closer()

	result, err := sess.VerifyLedger(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Verification failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(stdout, result)
	} else if result.Valid {
		fmt.Fprintln(stdout, "Chain verified: OK")
	} else {
		fmt.Fprintf(stdout, "Chain BROKEN at entry %d\n", *result.BrokenAt)
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func printJSON(w io.Writer, v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}
