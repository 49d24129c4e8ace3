// Command oxidedb runs the MongoDB-wire-protocol-to-PostgreSQL translation
// service: a TCP listener speaking OP_MSG/OP_QUERY/OP_COMPRESSED, backed by
// the storage/translate/session/cursor/dispatch stack, plus an admin HTTP
// surface for health checks and metrics.
//
// The cobra root-command shape is grounded on the teacher's
// platform/cmd/cli/main.go; flag parsing, TLS loading, and the graceful
// shutdown sequence (SIGINT/SIGTERM, a 30-second drain window) are grounded
// on bundoc-server/main.go.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"

	"github.com/fcoury/oxidedb/internal/config"
	"github.com/fcoury/oxidedb/internal/cursor"
	"github.com/fcoury/oxidedb/internal/dispatch"
	"github.com/fcoury/oxidedb/internal/logging"
	"github.com/fcoury/oxidedb/internal/metrics"
	"github.com/fcoury/oxidedb/internal/server"
	"github.com/fcoury/oxidedb/internal/session"
	"github.com/fcoury/oxidedb/internal/shadow"
	"github.com/fcoury/oxidedb/internal/storage"
	"github.com/fcoury/oxidedb/internal/translate"
)

// dispatchPoolSize sizes the ants worker pool that cursor batch production
// runs on, bounding how many batches are produced concurrently across all
// connections.
const dispatchPoolSize = 256

var rootCmd = &cobra.Command{
	Use:   "oxidedb",
	Short: "MongoDB wire protocol to PostgreSQL translation service",
}

func main() {
	rootCmd.AddCommand(newServeCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the OxideDB server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runServe(cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "Path to a config file (yaml/json/toml)")
	flags.String("listen-addr", "", "Wire-protocol listen address (e.g. :27017)")
	flags.String("admin-addr", "", "Admin HTTP listen address (e.g. :9090)")
	flags.String("postgres-dsn", "", "PostgreSQL connection string")
	flags.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	flags.String("log-format", "", "Log format (json, text)")
	flags.String("tls-cert", "", "Path to TLS server certificate")
	flags.String("tls-key", "", "Path to TLS server private key")
	flags.String("shadow.upstream-addr", "", "Shadow comparator upstream address (empty disables shadowing)")
	flags.Float64("shadow.sample-rate", 0, "Shadow comparator sample rate [0,1]")

	return cmd
}

func runServe(cfg *config.Config) error {
	logging.Init(logging.Config{
		Level:  strings.ToUpper(cfg.LogLevel),
		Format: cfg.LogFormat,
	})
	log := logging.Get()

	ctx := context.Background()

	adapter, err := storage.Open(ctx, storage.Config{
		DSN:             cfg.PostgresDSN,
		MaxConns:        cfg.MaxConns,
		SchemaCacheSize: cfg.SchemaCacheSize,
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer adapter.Close()

	evaluator, err := translate.NewEvaluator()
	if err != nil {
		return fmt.Errorf("building evaluator: %w", err)
	}

	sessionOpts := session.DefaultOptions()
	sessionOpts.TxnTimeout = cfg.TxnTimeout
	sessionOpts.IdleTTL = cfg.SessionIdleTTL
	sessions := session.NewRegistry(adapter, sessionOpts)
	defer sessions.Close()

	cursors := cursor.NewManager(cfg.CursorIdleTimeout)
	defer cursors.Close()

	pool, err := ants.NewPool(dispatchPoolSize, ants.WithPanicHandler(func(v any) {
		log.Error("dispatch worker panic", "panic", v)
	}))
	if err != nil {
		return fmt.Errorf("building worker pool: %w", err)
	}
	defer pool.Release()

	d := dispatch.New(adapter, cursors, sessions, evaluator, pool)
	d.DefaultBatchSize = int(cfg.DefaultBatchSize)
	d.CursorIdleDeadline = int64(cfg.CursorIdleTimeout)

	if cfg.Shadow.UpstreamAddr != "" {
		d.Shadow = shadow.New(cfg.Shadow.ToComparatorConfig())
	}

	var tlsConfig *tls.Config
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("loading TLS keypair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	counters := metrics.New()
	tcpServer := server.NewTCPServer(cfg.ListenAddr, d, counters, tlsConfig)
	if err := tcpServer.Start(); err != nil {
		return fmt.Errorf("starting wire listener: %w", err)
	}

	adminServer := server.NewAdminServer(cfg.AdminAddr, time.Now(), d.Shadow)
	adminServer.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin server forced shutdown", "error", err)
	}
	if err := tcpServer.Stop(); err != nil {
		log.Warn("wire listener stop error", "error", err)
	}

	log.Info("shutdown complete")
	return nil
}
