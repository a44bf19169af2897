// Package nodeserver wires the node service, metrics and RPC transport from
// one loaded configuration.
package nodeserver

import (
	"log/slog"

	"trust-triangle/go-backend/internal/adapters/rpc"
	"trust-triangle/go-backend/internal/bootstrap/nodeconfig"
	"trust-triangle/go-backend/internal/composition/nodeservice"
	"trust-triangle/go-backend/internal/metrics"
)

func New(cfg nodeconfig.Config, logger *slog.Logger) (*rpc.Server, error) {
	token, err := rpc.ResolveToken(cfg.RPC.Token, cfg.RPC.TokenFile)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	svc := nodeservice.New(cfg, logger, m)
	return rpc.NewServer(svc, rpc.Options{
		Addr:               cfg.RPC.Addr,
		Token:              token,
		RequireToken:       cfg.RPC.TokenRequired(),
		AllowNullOrigin:    cfg.RPC.AllowNullOrigin,
		RateLimitEnabled:   cfg.Limits.RPCRateLimitEnabled,
		RPS:                cfg.Limits.RPCRPS,
		Burst:              cfg.Limits.RPCBurst,
		StreamMaxGlobal:    cfg.Limits.StreamMaxGlobal,
		StreamMaxPerClient: cfg.Limits.StreamMaxPerClient,
		MetricsPath:        cfg.RPC.MetricsPath,
		Metrics:            m.Handler(),
		Logger:             logger,
	})
}
