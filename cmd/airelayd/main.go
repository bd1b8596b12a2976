package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/airelay/airelay/internal/config"
	"github.com/airelay/airelay/internal/logging"
	"github.com/airelay/airelay/internal/server"
)

var version = "dev"

func main() {
	logging.Setup()

	fs := flag.NewFlagSet("airelayd", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file path")
	metricsAddr := fs.String("metrics-addr", "", "address to serve /metrics on (empty disables)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath, *metricsAddr); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tlsConfig, err := loadTLSConfig(cfg.TLSCertChainPath, cfg.TLSPrivateKeyPath)
	if err != nil {
		return fmt.Errorf("load TLS materials: %w", err)
	}

	logging.PrintBanner(version, cfg.ControlPort, cfg.ProxyPort, cfg.PublicPort)

	srv, err := server.New(*cfg, tlsConfig, metricsAddr)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx)
}

func loadTLSConfig(certChainPath, privateKeyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certChainPath, privateKeyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
