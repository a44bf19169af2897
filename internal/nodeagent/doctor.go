package nodeagent

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)

// DoctorInput describes the deployment to check. Zero ListenPort skips the
// port checks; empty BootstrapNodes skips the bootstrap check.
type DoctorInput struct {
	ListenPort       int
	AdvertiseAddress string
	BootstrapNodes   []string
	MinPeers         int
}

type DoctorCheck struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

type DoctorReport struct {
	Ready     bool          `json:"ready"`
	Checks    []DoctorCheck `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (a *Agent) Doctor(ctx context.Context, input DoctorInput) DoctorReport {
	if input.MinPeers <= 0 {
		input.MinPeers = 1
	}
	report := DoctorReport{
		Ready:     true,
		Checks:    make([]DoctorCheck, 0, 8),
		CheckedAt: a.now(),
	}
	appendCheck := func(name string, err error) {
		check := DoctorCheck{Name: name, Pass: err == nil}
		if err != nil {
			check.Reason = err.Error()
			report.Ready = false
		}
		report.Checks = append(report.Checks, check)
	}

	if input.ListenPort != 0 {
		if input.ListenPort < 1 || input.ListenPort > 65535 {
			appendCheck("listen_port_valid", fmt.Errorf("listen port must be in [1..65535]"))
		} else {
			appendCheck("listen_port_valid", nil)
			appendCheck("listen_port_available", checkPortAvailable(input.ListenPort))
		}
	}
	appendCheck("advertise_address_valid", validateAdvertiseAddress(input.AdvertiseAddress))
	if len(input.BootstrapNodes) > 0 {
		appendCheck("bootstrap_nodes_valid", validateBootstrapNodes(input.BootstrapNodes))
	}

	if err := a.client.Call(ctx, "health_check", nil, nil); err != nil {
		appendCheck("rpc_reachable", err)
		return report
	}
	appendCheck("rpc_reachable", nil)

	status, err := a.Status(ctx)
	if err != nil {
		appendCheck("node_spawned", err)
		return report
	}
	if !status.Spawned {
		appendCheck("node_spawned", fmt.Errorf("node is not spawned"))
		return report
	}
	appendCheck("node_spawned", nil)

	peers, err := a.peerCount(ctx)
	if err == nil && peers < input.MinPeers {
		err = fmt.Errorf("peer_count=%d < min_peers=%d", peers, input.MinPeers)
	}
	appendCheck("peer_count_min", err)
	return report
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("port %d is unavailable: %w", port, err)
	}
	_ = ln.Close()
	return nil
}

func validateAdvertiseAddress(raw string) error {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return nil
	}
	if strings.HasPrefix(addr, "/") {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("advertise multiaddr is invalid: %w", err)
		}
		return nil
	}

	host := addr
	if h, p, err := net.SplitHostPort(addr); err == nil {
		host = strings.TrimSpace(h)
		port, convErr := strconv.Atoi(strings.TrimSpace(p))
		if convErr != nil || port < 1 || port > 65535 {
			return fmt.Errorf("advertise address port is invalid: %q", p)
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}
	if !hostnamePattern.MatchString(host) {
		return fmt.Errorf("advertise address host is invalid: %q", host)
	}
	return nil
}

func validateBootstrapNodes(nodes []string) error {
	for _, raw := range nodes {
		if _, err := ma.NewMultiaddr(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("bootstrap node %q: %w", raw, err)
		}
	}
	return nil
}
