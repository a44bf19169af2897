package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"trust-triangle/go-backend/internal/nodeagent"
)

const (
	exitOK            = 0
	exitInvalidInput  = 10
	exitNetworkFailed = 20
	exitTokenRejected = 30
	exitTrustFailed   = 40
)

const defaultCallTimeout = 60 * time.Second

var (
	errUsage       = errors.New("invalid usage")
	errTrustFailed = errors.New("credential was not accepted")
)

type command struct {
	usage string
	run   func(ctx context.Context, args []string, out io.Writer) error
}

var commands = map[string]command{
	"keygen":        {"keygen [--mnemonic] [--from-mnemonic words]", runKeygen},
	"node-id":       {"node-id --secret-key hex", runNodeID},
	"status":        {"status [--json]", runStatus},
	"doctor":        {"doctor [--config path] [--listen-port n] [--advertise-address addr] [--min-peers n] [--json]", runDoctor},
	"spawn":         {"spawn --role issuer|employee|verifier [--secret-key hex]", runSpawn},
	"connect":       {"connect --peer node-id --message json", runConnect},
	"connections":   {"connections", runConnections},
	"pending":       {"pending", runPending},
	"approve":       {"approve --request-id id", runApprove},
	"reject":        {"reject --request-id id [--reason text]", runReject},
	"trust":         {"trust add|remove|check|list [node-id]", runTrust},
	"request":       {"request --issuer node-id --employee-name name --gross n --net n --currency c --pay-period p [--payment-mode m]", runRequest},
	"present":       {"present --verifier node-id --request-id id", runPresent},
	"received":      {"received [--request-id id]", runReceived},
	"verified":      {"verified [--presentation-id id]", runVerified},
	"presentations": {"presentations [--presentation-id id]", runPresentations},
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(exitInvalidInput)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		printUsage(os.Stderr)
		os.Exit(exitInvalidInput)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.run(ctx, os.Args[2:], os.Stdout)
	stop()
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		writeStderrln(err.Error())
	}
	os.Exit(exitCodeFor(err))
}

// exitCodeFor maps a command error to the process exit status.
func exitCodeFor(err error) int {
	var rpcErr *nodeagent.RPCError
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.Is(err, errUsage):
		return exitInvalidInput
	case errors.Is(err, nodeagent.ErrUnauthorized):
		return exitTokenRejected
	case errors.Is(err, errTrustFailed):
		return exitTrustFailed
	case nodeagent.IsCode(err, nodeagent.CodeRateLimited):
		return exitNetworkFailed
	case errors.As(err, &rpcErr):
		switch rpcErr.Category() {
		case "network":
			return exitNetworkFailed
		case "crypto":
			return exitTrustFailed
		default:
			return exitInvalidInput
		}
	default:
		return exitNetworkFailed
	}
}

// rpcFlags registers the connection flags shared by every remote command.
func rpcFlags(fs *flag.FlagSet) func() (*nodeagent.Client, time.Duration) {
	addr := fs.String("rpc-addr", envOr("TT_RPC_ADDR", ""), "daemon rpc address host:port or URL")
	token := fs.String("rpc-token", os.Getenv("TT_RPC_TOKEN"), "daemon rpc token")
	timeout := fs.Duration("timeout", defaultCallTimeout, "per-command timeout")
	return func() (*nodeagent.Client, time.Duration) {
		return nodeagent.NewClient(*addr, *token), *timeout
	}
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

// remoteCall runs one RPC under the command timeout and prints its result.
func remoteCall(ctx context.Context, out io.Writer, conn func() (*nodeagent.Client, time.Duration), method string, params any) error {
	client, timeout := conn()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var result json.RawMessage
	if err := client.Call(ctx, method, params, &result); err != nil {
		return err
	}
	return printRawJSON(out, result)
}

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: --%s is required", errUsage, name)
	}
	return nil
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRawJSON(out io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return printJSON(out, v)
}

func printUsage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	_, _ = fmt.Fprintln(w, "trustctl <command> [flags]")
	_, _ = fmt.Fprintln(w, "remote commands accept --rpc-addr, --rpc-token and --timeout")
	_, _ = fmt.Fprintln(w, "commands:")
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
}

func writeStderrln(line string) {
	_, _ = fmt.Fprintln(os.Stderr, line)
}
