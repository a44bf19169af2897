package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"trust-triangle/go-backend/internal/app"
	"trust-triangle/go-backend/internal/bootstrap/nodeconfig"
	"trust-triangle/go-backend/internal/composition/nodeserver"
	"trust-triangle/go-backend/internal/platform/privacylog"
	"trust-triangle/go-backend/pkg/models"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address (default "+nodeconfig.DefaultRPCAddr+")")
	role := flag.String("role", "", "Spawn at startup as issuer | employee | verifier")
	secretKey := flag.String("secret-key", "", "Hex secret key for the spawned node (optional)")
	keyFile := flag.String("key-file", "", "Encrypted key file used when no secret key is given (optional)")
	rpcToken := flag.String("rpc-token", "", "RPC token for Authorization/X-TT-RPC-Token; \"auto\" generates one")
	transport := flag.String("transport", "", "Network transport override: go-waku | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("trust-node version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := nodeconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("trust-node config: %v", err)
	}
	applyFlags(&cfg, *rpcAddr, *role, *secretKey, *keyFile, *rpcToken, *transport)
	if err := nodeconfig.Validate(cfg); err != nil {
		log.Fatalf("trust-node config: %v", err)
	}

	logger := app.NewLogger(os.Stdout, cfg.Node.LogLevel, privacylog.Policy{FingerprintNodeIDs: cfg.Node.FingerprintLogIDs})
	srv, err := nodeserver.New(cfg, logger)
	if err != nil {
		log.Fatalf("trust-node failed to initialize: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("trust-node starting", "rpc_addr", srv.Addr(), "role", string(cfg.Node.Role), "transport", cfg.Network.Transport)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("trust-node failed: %v", err)
	}
	logger.Info("trust-node stopped")
}

// applyFlags lets explicit flags win over file and environment values.
func applyFlags(cfg *nodeconfig.Config, rpcAddr, role, secretKey, keyFile, rpcToken, transport string) {
	if rpcAddr != "" {
		cfg.RPC.Addr = rpcAddr
	}
	if role != "" {
		cfg.Node.Role = models.Role(role)
	}
	if secretKey != "" {
		cfg.Node.SecretKey = secretKey
	}
	if keyFile != "" {
		cfg.Node.KeyFile = keyFile
	}
	if rpcToken != "" {
		cfg.RPC.Token = rpcToken
	}
	if transport != "" {
		cfg.Network.Transport = transport
	}
}
