package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kumanday/nexus-agents/internal/artifacts"
	"github.com/kumanday/nexus-agents/internal/audit"
	"github.com/kumanday/nexus-agents/internal/bus"
	"github.com/kumanday/nexus-agents/internal/config"
	otelPkg "github.com/kumanday/nexus-agents/internal/otel"
	"github.com/kumanday/nexus-agents/internal/persistence"
	"github.com/kumanday/nexus-agents/internal/shared"
	"github.com/kumanday/nexus-agents/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// Output sinks, swapped out by tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func printUsage() {
	fmt.Fprintf(stderr, `Usage of %[1]s:

SUBCOMMANDS:
  %[1]s init                         Write a default config.yaml into the home directory
  %[1]s tasks [-status s] [-limit n] List research tasks, newest first
  %[1]s timeline <task_id>           Show a task's operations with their evidence
                                     Flags: -json, -follow (re-render on database changes)
  %[1]s ops <task_id>                List a task's operations in effective-start order
  %[1]s evidence <operation_id>      Dump the evidence recorded for one operation
  %[1]s put-file <path>              Store a file as an artifact
                                     Flags: -task <id>, -subtask <id>
  %[1]s get-file <artifact_id>       Write an artifact's bytes to stdout
                                     Flags: -o <path>, -verify
  %[1]s cache-get <query> <provider> Print cached search results if unexpired
  %[1]s backup <dest>                Write a consistent snapshot of the database
  %[1]s doctor [-json]               Run diagnostic checks

ENVIRONMENT VARIABLES:
  NEXUS_HOME              Data directory (default: ~/.nexus)
  NEXUS_DB_PATH           Database file (default: $NEXUS_HOME/knowledge_base.db)
  NEXUS_STORAGE_PATH      Artifact storage root (default: $NEXUS_HOME/storage)
  NEXUS_LOG_LEVEL         debug | info | warn | error
  NEXUS_OTEL_EXPORTER     otlp-http | stdout | none
  NEXUS_OTEL_METRICS      true | false (kb.* instruments, default follows the exporter)
`, os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	os.Exit(dispatch(ctx, args))
}

func dispatch(ctx context.Context, args []string) int {
	rest := args[1:]
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "init":
		return runInitCommand(rest)
	case "tasks":
		return runTasksCommand(ctx, rest)
	case "timeline":
		return runTimelineCommand(ctx, rest)
	case "ops":
		return runOpsCommand(ctx, rest)
	case "evidence":
		return runEvidenceCommand(ctx, rest)
	case "put-file":
		return runPutFileCommand(ctx, rest)
	case "get-file":
		return runGetFileCommand(ctx, rest)
	case "cache-get":
		return runCacheGetCommand(ctx, rest)
	case "backup":
		return runBackupCommand(ctx, rest)
	case "doctor":
		return runDoctorCommand(ctx, rest)
	default:
		fmt.Fprintf(stderr, "unknown subcommand %q\n", args[0])
		printUsage()
		return 2
	}
}

// app is the wired knowledge base for one subcommand invocation.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	journal *audit.Journal
	store   *persistence.Store
	files   *artifacts.Store

	closers []func()
}

// openApp loads config and brings up logging, telemetry, the record store
// and the artifact store. Logs go to the home directory only so stdout
// carries just the command output.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	a := &app{cfg: cfg, bus: bus.New()}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	a.logger = logger
	a.closers = append(a.closers, func() { _ = closer.Close() })
	slog.SetDefault(logger)

	journal, err := audit.Open(cfg.HomeDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("audit journal: %w", err)
	}
	a.journal = journal
	sub := a.bus.Subscribe("")
	journal.Follow(sub)
	a.closers = append(a.closers, func() {
		a.bus.Unsubscribe(sub)
		if err := journal.Close(); err != nil {
			logger.Warn("audit journal close", "error", err)
		}
	})

	provider, err := otelPkg.Init(ctx, otelPkg.Settings{
		Config:            cfg.Telemetry,
		ConfigFingerprint: cfg.Fingerprint(),
		DBPath:            cfg.DBPath,
		SchemaVersion:     persistence.LatestSchemaVersion,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("otel init: %w", err)
	}
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	})
	metrics := provider.Metrics

	store, err := persistence.Open(cfg.DBPath, persistence.Options{
		Bus:             a.bus,
		Logger:          logger,
		Tracer:          provider.Tracer,
		Metrics:         metrics,
		CacheHotEntries: cfg.Cache.HotEntries,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("store open: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	files, err := artifacts.New(store, cfg.StoragePath, artifacts.Options{
		Logger:  logger,
		Bus:     a.bus,
		Tracer:  provider.Tracer,
		Metrics: metrics,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	a.files = files

	logger.Debug("knowledge base opened", "db_path", cfg.DBPath, "storage_path", cfg.StoragePath, "config", cfg.Fingerprint())
	return a, nil
}

// Close releases everything openApp acquired, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// withApp opens the knowledge base, runs fn with a traced context and maps
// errors onto exit code 1.
func withApp(ctx context.Context, name string, fn func(context.Context, *app) error) int {
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 1
	}
	defer a.Close()

	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	if err := fn(ctx, a); err != nil {
		a.logger.Error("command failed", append(shared.LogAttrs(ctx), "command", name, "error", err)...)
		a.journal.Record(traceID, "command."+name, "", "error", err.Error())
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 1
	}
	a.journal.Record(traceID, "command."+name, "", "ok", "")
	return 0
}

// parseArgs parses flags that may appear before or after positional
// arguments and checks the positional count.
func parseArgs(fs *flag.FlagSet, args []string, positional int, usage string) ([]string, bool) {
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: nexuskb %s\n", usage)
		fs.PrintDefaults()
	}

	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, false
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
	if len(pos) != positional {
		fs.Usage()
		return nil, false
	}
	return pos, true
}
