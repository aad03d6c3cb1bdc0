package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dtnrpc/dtnrpc/internal/client"
	"github.com/dtnrpc/dtnrpc/internal/cleanup"
	"github.com/dtnrpc/dtnrpc/internal/config"
	"github.com/dtnrpc/dtnrpc/internal/handler"
	"github.com/dtnrpc/dtnrpc/internal/logging"
	"github.com/dtnrpc/dtnrpc/internal/metrics"
	"github.com/dtnrpc/dtnrpc/internal/offer"
	"github.com/dtnrpc/dtnrpc/internal/selector"
	"github.com/dtnrpc/dtnrpc/internal/server"
	"github.com/dtnrpc/dtnrpc/internal/store"
)

var (
	version = "dev"
	commit  = "none"
)

// cliFlags holds the subset of config.Config a node may override on the
// command line, per spec §6.1's `-f/-s/-q/-c` surface.
type cliFlags struct {
	configPath string
	serverMode bool
	queue      bool
	clientJob  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:   "dtnrpc",
		Short: "dtnrpc — delay-tolerant RPC coordination engine",
		Long: `dtnrpc runs one node of a delay-tolerant RPC overlay: a server that
offers procedures and executes multi-hop job cascades, or a client that
submits a job file and waits for its terminal result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newDebugStoreCmd())

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "f", config.EnvOrDefault("DTNRPC_CONFIG", "rpc.conf"), "Path to rpc.conf")
	root.Flags().BoolVarP(&flags.serverMode, "server", "s", false, "Run as a server node")
	root.Flags().BoolVarP(&flags.queue, "queue", "q", false, "Force sequential Step Handler execution (server mode only)")
	root.Flags().StringVarP(&flags.clientJob, "client", "c", "", "Run as a client: submit the job file at PATH and wait for its result")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dtnrpc %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, flags *cliFlags) error {
	if flags.serverMode == (flags.clientJob != "") {
		return fmt.Errorf("exactly one of --server or --client PATH is required")
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if cfg.SID == "" {
		return fmt.Errorf("sid is required — set sid in %s or DTNRPC_SID", flags.configPath)
	}

	logger, err := logging.Build(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting dtnrpc node",
		zap.String("version", version),
		zap.String("sid", cfg.SID),
		zap.Bool("server", flags.serverMode),
	)

	storeClient := store.New(store.Config{
		BaseURL:       cfg.StoreBaseURL,
		BasicAuthUser: cfg.BasicAuthUser,
		BasicAuthPass: cfg.BasicAuthPass,
	}, logger)

	sel := selector.New(cfg.SelectorPolicy, cfg.SelectorSeed)

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	debugSrv := &http.Server{Addr: cfg.DebugHTTPAddr, Handler: server.NewDebugRouter(reg, logger)}
	go func() {
		if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("debug http server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		debugSrv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	procedures, err := parseProcedures(cfg.Procedures)
	if err != nil {
		return err
	}

	var gpsCoord *offer.Point
	if cfg.GPSCoord != "" {
		p, err := parsePoint(cfg.GPSCoord)
		if err != nil {
			return fmt.Errorf("gps_coord: %w", err)
		}
		gpsCoord = &p
	}
	var energy *float64
	if cfg.Energy != "" {
		v, err := strconv.ParseFloat(cfg.Energy, 64)
		if err != nil {
			return fmt.Errorf("energy: %w", err)
		}
		energy = &v
	}

	// The Catalog is shared by both modes: a server publishes procedures and
	// capabilities through it, while a client only uses it to hold its own
	// gps_coord and accumulate decoded remote offers during discovery (spec
	// §3 "distance_from_self"), never publishing procedures of its own.
	sampler := offer.HostSampler{DiskPath: cfg.DiskPath, GPSCoord: gpsCoord, Energy: energy}
	catalog := offer.New(cfg.SID, procedures, sampler)
	catalog.Self() // seed capabilities (gps_coord in particular) before first use

	if flags.clientJob != "" {
		eng := client.New(cfg.SID, storeClient, catalog, sel, logger)
		outcome, err := eng.Call(ctx, flags.clientJob)
		if err != nil {
			return fmt.Errorf("call failed: %w", err)
		}
		if outcome.ErrorPath != "" {
			logger.Warn("call terminated in error", zap.String("rpcid", outcome.RPCID), zap.String("error_path", outcome.ErrorPath))
			return nil
		}
		logger.Info("call completed", zap.String("rpcid", outcome.RPCID), zap.String("result_path", outcome.ResultPath))
		return nil
	}

	var cleanupDB *gorm.DB
	if cfg.CleanupDBPath != "" {
		db, err := cleanup.OpenDB(cfg.CleanupDBPath, logger)
		if err != nil {
			logger.Warn("cleanup ledger unavailable, falling back to in-memory tracking only", zap.Error(err))
		} else {
			cleanupDB = db
		}
	}
	tracker := cleanup.New(cleanupDB, logger)

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}

	runner := handler.NewRunner(handler.DefaultTimeout)
	h := handler.New(handler.Config{
		SID:      cfg.SID,
		Store:    storeClient,
		Catalog:  catalog,
		Selector: sel,
		Tracker:  tracker,
		Runner:   runner,
		BinDir:   cfg.BinDir,
		WorkDir:  cfg.WorkDir,
		Logger:   logger,
	})

	eng, err := server.New(server.Config{
		SID:     cfg.SID,
		Store:   storeClient,
		Catalog: catalog,
		Tracker: tracker,
		Handler: h,
		Metrics: metricsReg,
		Logger:  logger,
		Queue:   cfg.Queue || flags.queue,
	})
	if err != nil {
		return err
	}

	if err := eng.Run(ctx); err != nil {
		return err
	}

	logger.Info("dtnrpc node stopped")
	return nil
}

// parseProcedures parses "name:arity[,name:arity...]" into Procedure values.
// A bare "name" with no ":arity" defaults to arity 0.
func parseProcedures(spec string) ([]offer.Procedure, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	parts := strings.Split(spec, ",")
	out := make([]offer.Procedure, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, aritySpec, hasArity := strings.Cut(p, ":")
		arity := 0
		if hasArity {
			n, err := strconv.Atoi(aritySpec)
			if err != nil {
				return nil, fmt.Errorf("procedures: bad arity in %q: %w", p, err)
			}
			arity = n
		}
		out = append(out, offer.Procedure{Name: name, ArgTypes: make([]string, arity)})
	}
	return out, nil
}

func parsePoint(spec string) (offer.Point, error) {
	x, y, ok := strings.Cut(spec, ",")
	if !ok {
		return offer.Point{}, fmt.Errorf("expected \"x,y\", got %q", spec)
	}
	px, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
	if err != nil {
		return offer.Point{}, err
	}
	py, err := strconv.ParseFloat(strings.TrimSpace(y), 64)
	if err != nil {
		return offer.Point{}, err
	}
	return offer.Point{X: px, Y: py}, nil
}
