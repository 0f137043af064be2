package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bunghole-remote-desktop/internal/broker"
	"bunghole-remote-desktop/internal/config"
	"bunghole-remote-desktop/internal/logging"
	"bunghole-remote-desktop/internal/supervisor"
	bhtls "bunghole-remote-desktop/internal/tls"
)

var version = "0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "bunghole-broker",
	Short:   "Bunghole remote desktop signaling broker",
	Version: version,
	Run: func(cmd *cobra.Command, args []string) {
		runBroker()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the broker",
	Run: func(cmd *cobra.Command, args []string) {
		runBroker()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bunghole-broker v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/bunghole/bunghole-broker.toml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBroker() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New("info", "json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: init logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	broker.Version = version

	sup, err := supervisor.New(log)
	if err != nil {
		log.Fatal("broker: supervisor init failed", zap.Error(err))
	}

	br, err := broker.New(cfg, log, sup)
	if err != nil {
		log.Fatal("broker: init failed", zap.Error(err))
	}

	tlsCfg, err := bhtls.LoadOrGenerate(log, cfg.Server.StateDir)
	if err != nil {
		log.Fatal("broker: tls setup failed", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Server.Port)
	srv := &http.Server{
		Addr:      addr,
		Handler:   br.Handler(),
		TLSConfig: tlsCfg,
	}

	go func() {
		log.Info("broker: listening", zap.String("addr", addr))
		if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Fatal("broker: serve failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("broker: received signal, shutting down", zap.String("signal", sig.String()))

	// Every live session's agent is terminated explicitly rather than left
	// to the reaper, so a restart doesn't strand orphaned agent processes.
	for _, sess := range br.Registry().ListAll() {
		br.Registry().Terminate(sess, "broker_shutdown")
	}
	br.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("broker: graceful shutdown timed out", zap.Error(err))
	}
}
