package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/citeledger/citeledger/internal/dispatch"
	"github.com/citeledger/citeledger/internal/ledger"
	"github.com/citeledger/citeledger/internal/ledger/httpnode"
	"github.com/citeledger/citeledger/internal/merkle"
	"github.com/citeledger/citeledger/internal/registrar"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	addr     string
	grants   []string
	opsName  string
	readOnly bool
	digest   string
	capName  string
)

var rootCmd = &cobra.Command{
	Use:   "devledger",
	Short: "Run an in-memory ledger node for local development",
	Long: `devledger serves the Memory ledger node over the HTTP node protocol,
so a registrar can be pointed at it with ledger.backend=http and
ledger.endpoint=http://localhost:9090.

State lives in memory and is gone on exit. Grants seed the registrar
capability for the given principals; make one with "citeledger keygen".
The legacy ops profile renames the operations and narrows retraction to
a one-argument form, which exercises the registrar's discovery paths.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":9090", "Listen address")
	rootCmd.Flags().StringArrayVar(&grants, "grant", nil, "Principal to grant the capability to, repeatable")
	rootCmd.Flags().StringVar(&opsName, "ops", "standard", "Operation profile: standard or legacy")
	rootCmd.Flags().BoolVar(&readOnly, "read-only", false, "Refuse all submissions")
	rootCmd.Flags().StringVar(&digest, "digest", "", "Digest for capability derivation, must match the registrar (default sha256)")
	rootCmd.Flags().StringVar(&capName, "capability", registrar.DefaultCapability, "Capability name granted to --grant principals")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	hasher, err := merkle.NewHasher(digest)
	if err != nil {
		return err
	}
	ops, err := ledger.OpsProfile(opsName)
	if err != nil {
		return err
	}

	node := ledger.NewMemory()
	node.SetOps(ops)
	node.SetReadOnly(readOnly)

	capID := dispatch.CapabilityID(hasher, capName)
	node.DefineCapability(capName, capID)
	for _, principal := range grants {
		node.Grant(principal, capID)
		logger.Info("granted",
			zap.String("principal", principal),
			zap.String("capability", capName))
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	httpnode.New(node, logger).Register(router.Group("/api/v1"))

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("devledger listening",
			zap.String("addr", addr),
			zap.String("ops", opsName),
			zap.Bool("read_only", readOnly))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down devledger...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	return nil
}
