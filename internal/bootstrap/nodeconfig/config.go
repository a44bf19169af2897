// Package nodeconfig loads the daemon configuration: a YAML file merged over
// defaults, then TT_* environment overrides.
package nodeconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"trust-triangle/go-backend/internal/peer"
	"trust-triangle/go-backend/internal/waku"
	"trust-triangle/go-backend/pkg/models"
)

const DefaultRPCAddr = "127.0.0.1:8787"

var (
	ErrInvalidRole          = errors.New("invalid node role")
	ErrInvalidBootstrapNode = errors.New("invalid bootstrap node multiaddr")
	ErrInvalidTransport     = errors.New("unsupported network transport")
)

type Config struct {
	Node    NodeConfig
	Network waku.Config
	RPC     RPCConfig
	Limits  LimitsConfig
}

type NodeConfig struct {
	// Role spawns the node at startup when set; otherwise the host calls
	// node.spawn.
	Role          models.Role
	SecretKey     string
	KeyFile       string
	KeyPassphrase string

	EmployerName           string
	PayrollProcessorName   string
	PayrollProcessorNodeID string

	LogLevel           string
	FingerprintLogIDs  bool
	NotificationBuffer int
}

type RPCConfig struct {
	Addr            string
	Token           string
	TokenFile       string
	RequireToken    bool
	Env             string
	AllowNullOrigin bool
	MetricsPath     string
}

type LimitsConfig struct {
	Peer peer.Config

	RPCRateLimitEnabled bool
	RPCRPS              float64
	RPCBurst            int
	StreamMaxGlobal     int
	StreamMaxPerClient  int
}

// fileConfig mirrors the YAML layout. Pointers tell "unset" from zero.
type fileConfig struct {
	Node    fileNode    `yaml:"node"`
	Network fileNetwork `yaml:"network"`
	RPC     fileRPC     `yaml:"rpc"`
	Limits  fileLimits  `yaml:"limits"`
}

type fileNode struct {
	Role                   string `yaml:"role"`
	SecretKey              string `yaml:"secretKey"`
	KeyFile                string `yaml:"keyFile"`
	EmployerName           string `yaml:"employerName"`
	PayrollProcessorName   string `yaml:"payrollProcessorName"`
	PayrollProcessorNodeID string `yaml:"payrollProcessorNodeId"`
	LogLevel               string `yaml:"logLevel"`
	FingerprintLogIDs      *bool  `yaml:"fingerprintLogIds"`
	NotificationBuffer     int    `yaml:"notificationBuffer"`
}

type fileNetwork struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	AdvertiseAddress    string        `yaml:"advertiseAddress"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	FailoverV1          *bool         `yaml:"failoverV1"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type fileRPC struct {
	Addr            string `yaml:"addr"`
	TokenFile       string `yaml:"tokenFile"`
	RequireToken    *bool  `yaml:"requireToken"`
	AllowNullOrigin *bool  `yaml:"allowNullOrigin"`
	MetricsPath     string `yaml:"metricsPath"`
}

type fileLimits struct {
	ResponseTimeout     time.Duration `yaml:"responseTimeout"`
	MaxPayloadBytes     int           `yaml:"maxPayloadBytes"`
	InboundRPS          float64       `yaml:"inboundRps"`
	InboundBurst        int           `yaml:"inboundBurst"`
	RPCRateLimitEnabled *bool         `yaml:"rpcRateLimitEnabled"`
	RPCRPS              float64       `yaml:"rpcRps"`
	RPCBurst            int           `yaml:"rpcBurst"`
	StreamMaxGlobal     int           `yaml:"streamMaxGlobal"`
	StreamMaxPerClient  int           `yaml:"streamMaxPerClient"`
}

func Default() Config {
	return Config{
		Node: NodeConfig{
			LogLevel:           "info",
			FingerprintLogIDs:  true,
			NotificationBuffer: 2048,
		},
		Network: waku.DefaultConfig(),
		RPC: RPCConfig{
			Addr:        DefaultRPCAddr,
			MetricsPath: "/metrics",
		},
		Limits: LimitsConfig{
			Peer:                peer.DefaultConfig(),
			RPCRateLimitEnabled: true,
			RPCRPS:              30,
			RPCBurst:            60,
			StreamMaxGlobal:     128,
			StreamMaxPerClient:  8,
		},
	}
}

// Load reads configPath, or the first default location that exists, and
// applies environment overrides. A missing file is not an error; a file that
// does not parse is.
func Load(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{"go-backend/configs/config.yaml", "configs/config.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func merge(dst *Config, src fileConfig) {
	mergeNode(&dst.Node, src.Node)
	mergeNetwork(&dst.Network, src.Network)
	mergeRPC(&dst.RPC, src.RPC)
	mergeLimits(&dst.Limits, src.Limits)
}

func mergeNode(dst *NodeConfig, src fileNode) {
	setString(&dst.Role, models.Role(strings.ToLower(strings.TrimSpace(src.Role))))
	setString(&dst.SecretKey, strings.TrimSpace(src.SecretKey))
	setString(&dst.KeyFile, strings.TrimSpace(src.KeyFile))
	setString(&dst.EmployerName, strings.TrimSpace(src.EmployerName))
	setString(&dst.PayrollProcessorName, strings.TrimSpace(src.PayrollProcessorName))
	setString(&dst.PayrollProcessorNodeID, strings.TrimSpace(src.PayrollProcessorNodeID))
	setString(&dst.LogLevel, strings.TrimSpace(src.LogLevel))
	setBool(&dst.FingerprintLogIDs, src.FingerprintLogIDs)
	setPositive(&dst.NotificationBuffer, src.NotificationBuffer)
}

func mergeNetwork(dst *waku.Config, src fileNetwork) {
	setString(&dst.Transport, strings.TrimSpace(src.Transport))
	setPositive(&dst.Port, src.Port)
	setString(&dst.AdvertiseAddress, strings.TrimSpace(src.AdvertiseAddress))
	setBool(&dst.EnableRelay, src.EnableRelay)
	if src.BootstrapNodes != nil {
		dst.BootstrapNodes = append([]string(nil), src.BootstrapNodes...)
	}
	setBool(&dst.FailoverV1, src.FailoverV1)
	setPositive(&dst.MinPeers, src.MinPeers)
	setPositive(&dst.ReconnectInterval, src.ReconnectInterval)
	setPositive(&dst.ReconnectBackoffMax, src.ReconnectBackoffMax)
}

func mergeRPC(dst *RPCConfig, src fileRPC) {
	setString(&dst.Addr, strings.TrimSpace(src.Addr))
	setString(&dst.TokenFile, strings.TrimSpace(src.TokenFile))
	setBool(&dst.RequireToken, src.RequireToken)
	setBool(&dst.AllowNullOrigin, src.AllowNullOrigin)
	setString(&dst.MetricsPath, strings.TrimSpace(src.MetricsPath))
}

func mergeLimits(dst *LimitsConfig, src fileLimits) {
	setPositive(&dst.Peer.ResponseTimeout, src.ResponseTimeout)
	setPositive(&dst.Peer.MaxPayloadBytes, src.MaxPayloadBytes)
	setPositive(&dst.Peer.InboundRPS, src.InboundRPS)
	setPositive(&dst.Peer.InboundBurst, src.InboundBurst)
	setBool(&dst.RPCRateLimitEnabled, src.RPCRateLimitEnabled)
	setPositive(&dst.RPCRPS, src.RPCRPS)
	setPositive(&dst.RPCBurst, src.RPCBurst)
	setPositive(&dst.StreamMaxGlobal, src.StreamMaxGlobal)
	setPositive(&dst.StreamMaxPerClient, src.StreamMaxPerClient)
}

// ApplyEnvOverrides applies TT_* variables on top of cfg. Unparsable values
// are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := env("TT_NODE_ROLE"); v != "" {
		cfg.Node.Role = models.Role(strings.ToLower(v))
	}
	setString(&cfg.Node.SecretKey, env("TT_SECRET_KEY"))
	setString(&cfg.Node.KeyFile, env("TT_KEY_FILE"))
	setString(&cfg.Node.KeyPassphrase, env("TT_KEY_PASSPHRASE"))
	setString(&cfg.Node.EmployerName, env("TT_EMPLOYER_NAME"))
	setString(&cfg.Node.LogLevel, env("TT_LOG_LEVEL"))
	if v, ok := envBool("TT_LOG_FINGERPRINT_IDS"); ok {
		cfg.Node.FingerprintLogIDs = v
	}

	setString(&cfg.Network.Transport, env("TT_NETWORK_TRANSPORT"))
	if v, ok := envBool("TT_NETWORK_FAILOVER_V1"); ok {
		cfg.Network.FailoverV1 = v
	}
	if raw := env("TT_NETWORK_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 {
			cfg.Network.Port = port
		}
	}
	if raw := env("TT_NETWORK_BOOTSTRAP_NODES"); raw != "" {
		cfg.Network.BootstrapNodes = splitList(raw)
	}

	setString(&cfg.RPC.Addr, env("TT_RPC_ADDR"))
	setString(&cfg.RPC.Token, env("TT_RPC_TOKEN"))
	setString(&cfg.RPC.TokenFile, env("TT_RPC_TOKEN_FILE"))
	setString(&cfg.RPC.Env, strings.ToLower(env("TT_ENV")))
	if v, ok := envBool("TT_REQUIRE_RPC_TOKEN"); ok {
		cfg.RPC.RequireToken = v
	}
	if v, ok := envBool("TT_ALLOW_NULL_ORIGIN"); ok {
		cfg.RPC.AllowNullOrigin = v
	}

	if raw := env("TT_RESPONSE_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.Limits.Peer.ResponseTimeout = d
		}
	}
	if v, ok := envBool("TT_RPC_RATE_LIMIT_ENABLED"); ok {
		cfg.Limits.RPCRateLimitEnabled = v
	} else if cfg.RPC.IsTestEnv() {
		cfg.Limits.RPCRateLimitEnabled = false
	}
}

// Validate rejects configurations the daemon cannot start with.
func Validate(cfg Config) error {
	if cfg.Node.Role != "" {
		if _, ok := models.ParseRole(string(cfg.Node.Role)); !ok {
			return fmt.Errorf("%w: %q", ErrInvalidRole, cfg.Node.Role)
		}
	}
	switch cfg.Network.Transport {
	case waku.TransportMock, waku.TransportGoWaku:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, cfg.Network.Transport)
	}
	for _, addr := range cfg.Network.BootstrapNodes {
		if _, err := ma.NewMultiaddr(strings.TrimSpace(addr)); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidBootstrapNode, addr, err)
		}
	}
	return nil
}

// IsNonProd reports whether TT_ENV names a development or test environment.
func (c RPCConfig) IsNonProd() bool {
	switch c.Env {
	case "test", "testing", "dev", "development", "local":
		return true
	default:
		return false
	}
}

func (c RPCConfig) IsTestEnv() bool {
	return c.Env == "test" || c.Env == "testing"
}

// TokenRequired fails closed: outside development and test environments a
// token is always required.
func (c RPCConfig) TokenRequired() bool {
	return c.RequireToken || !c.IsNonProd()
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func envBool(name string) (bool, bool) {
	switch strings.ToLower(env(name)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString[T ~string](dst *T, v T) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setPositive[T int | float64 | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}
