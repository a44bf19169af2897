package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"trust-triangle/go-backend/internal/bootstrap/nodeconfig"
	"trust-triangle/go-backend/internal/identity"
	"trust-triangle/go-backend/internal/nodeagent"
	"trust-triangle/go-backend/pkg/models"
)

func runKeygen(_ context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	withMnemonic := fs.Bool("mnemonic", false, "derive the key from a fresh BIP-39 mnemonic")
	fromMnemonic := fs.String("from-mnemonic", "", "recover the key from an existing mnemonic")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	var (
		mnemonic  = strings.TrimSpace(*fromMnemonic)
		secretKey string
		err       error
	)
	if mnemonic == "" && *withMnemonic {
		if mnemonic, err = identity.GenerateMnemonic(); err != nil {
			return err
		}
	}
	if mnemonic != "" {
		secretKey, err = identity.SecretKeyFromMnemonic(mnemonic)
	} else {
		secretKey, err = identity.GenerateSecretKey()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	nodeID, err := identity.DerivePublicID(secretKey)
	if err != nil {
		return err
	}
	result := map[string]string{"secretKey": secretKey, "nodeId": nodeID}
	if mnemonic != "" && *fromMnemonic == "" {
		result["mnemonic"] = mnemonic
	}
	return printJSON(out, result)
}

func runNodeID(_ context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("node-id", flag.ContinueOnError)
	secretKey := fs.String("secret-key", "", "hex secret key")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := required("secret-key", *secretKey); err != nil {
		return err
	}
	nodeID, err := identity.DerivePublicID(*secretKey)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return printJSON(out, map[string]string{"nodeId": nodeID})
}

func runStatus(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	conn := rpcFlags(fs)
	asJSON := fs.Bool("json", false, "emit json")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	client, timeout := conn()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, err := nodeagent.New(client).Status(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(out, status)
	}
	_, err = fmt.Fprintf(out, "node_id=%s role=%s health=%s peer_count=%d spawned=%v\n",
		status.NodeID, status.Role, status.Health, status.PeerCount, status.Spawned)
	return err
}

func runDoctor(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	conn := rpcFlags(fs)
	configPath := fs.String("config", "", "daemon config path")
	listenPort := fs.Int("listen-port", 0, "listen port to check (default from config for go-waku)")
	advertiseAddress := fs.String("advertise-address", "", "advertise address override")
	minPeers := fs.Int("min-peers", 1, "minimum peer count for readiness")
	asJSON := fs.Bool("json", false, "emit json")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	input := nodeagent.DoctorInput{
		ListenPort:       *listenPort,
		AdvertiseAddress: strings.TrimSpace(*advertiseAddress),
		MinPeers:         *minPeers,
	}
	if strings.TrimSpace(*configPath) != "" {
		cfg, err := nodeconfig.Load(*configPath)
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		if input.AdvertiseAddress == "" {
			input.AdvertiseAddress = cfg.Network.AdvertiseAddress
		}
		input.BootstrapNodes = cfg.Network.BootstrapNodes
	}

	client, timeout := conn()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	report := nodeagent.New(client).Doctor(ctx, input)

	if *asJSON {
		if err := printJSON(out, report); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprintf(out, "ready=%v checks=%d\n", report.Ready, len(report.Checks))
		for _, c := range report.Checks {
			if c.Pass {
				_, _ = fmt.Fprintf(out, "[PASS] %s\n", c.Name)
			} else {
				_, _ = fmt.Fprintf(out, "[FAIL] %s: %s\n", c.Name, c.Reason)
			}
		}
	}
	if !report.Ready {
		return fmt.Errorf("node is not ready")
	}
	return nil
}

func runSpawn(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("spawn", flag.ContinueOnError)
	conn := rpcFlags(fs)
	role := fs.String("role", "", "issuer | employee | verifier")
	secretKey := fs.String("secret-key", "", "hex secret key (optional)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if _, ok := models.ParseRole(*role); !ok {
		return fmt.Errorf("%w: --role must be issuer, employee or verifier", errUsage)
	}
	params := []string{*role}
	if strings.TrimSpace(*secretKey) != "" {
		params = append(params, *secretKey)
	}
	return remoteCall(ctx, out, conn, "node.spawn", params)
}

func runConnect(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	conn := rpcFlags(fs)
	peerID := fs.String("peer", "", "peer node id")
	message := fs.String("message", "", "protocol message as a JSON object")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := required("peer", *peerID); err != nil {
		return err
	}
	var msg json.RawMessage
	if err := json.Unmarshal([]byte(*message), &msg); err != nil || !strings.HasPrefix(strings.TrimSpace(*message), "{") {
		return fmt.Errorf("%w: --message must be a JSON object", errUsage)
	}
	return remoteCall(ctx, out, conn, "node.connect", []any{*peerID, msg})
}

func runConnections(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("connections", flag.ContinueOnError)
	conn := rpcFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	return remoteCall(ctx, out, conn, "node.connections", nil)
}

func runPending(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	conn := rpcFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	return remoteCall(ctx, out, conn, "issuer.pending", nil)
}

func runApprove(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	conn := rpcFlags(fs)
	requestID := fs.String("request-id", "", "pending request id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := required("request-id", *requestID); err != nil {
		return err
	}
	return remoteCall(ctx, out, conn, "issuer.approve", []string{*requestID})
}

func runReject(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reject", flag.ContinueOnError)
	conn := rpcFlags(fs)
	requestID := fs.String("request-id", "", "pending request id")
	reason := fs.String("reason", "", "reason sent to the employee")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := required("request-id", *requestID); err != nil {
		return err
	}
	params := []string{*requestID}
	if strings.TrimSpace(*reason) != "" {
		params = append(params, *reason)
	}
	return remoteCall(ctx, out, conn, "issuer.reject", params)
}

func runTrust(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: trust needs add, remove, check or list", errUsage)
	}
	action, rest := args[0], args[1:]
	// The node id may come before or after the flags.
	var nodeID string
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		nodeID, rest = rest[0], rest[1:]
	}
	fs := flag.NewFlagSet("trust "+action, flag.ContinueOnError)
	conn := rpcFlags(fs)
	if err := parseFlags(fs, rest); err != nil {
		return err
	}
	if nodeID == "" && fs.NArg() == 1 {
		nodeID = fs.Arg(0)
	}
	if action == "list" {
		return remoteCall(ctx, out, conn, "trust.list", nil)
	}
	methods := map[string]string{"add": "trust.add", "remove": "trust.remove", "check": "trust.contains"}
	method, ok := methods[action]
	if !ok {
		return fmt.Errorf("%w: unknown trust action %q", errUsage, action)
	}
	if strings.TrimSpace(nodeID) == "" {
		return fmt.Errorf("%w: trust %s needs one issuer node id", errUsage, action)
	}
	return remoteCall(ctx, out, conn, method, []string{nodeID})
}

type credentialRequestParams struct {
	IssuerID string `json:"issuerId"`
	models.CredentialRequestInput
}

func runRequest(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	conn := rpcFlags(fs)
	issuer := fs.String("issuer", "", "issuer node id")
	var in models.CredentialRequestInput
	fs.StringVar(&in.EmployeeName, "employee-name", "", "employee name")
	fs.StringVar(&in.GrossSalary, "gross", "", "gross salary")
	fs.StringVar(&in.NetSalary, "net", "", "net salary")
	fs.StringVar(&in.Currency, "currency", "", "ISO currency code")
	fs.StringVar(&in.PayPeriod, "pay-period", "", "pay period, e.g. 2024-01")
	paymentMode := fs.String("payment-mode", string(models.PaymentModeBankTransfer), "payment mode")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	for name, value := range map[string]string{"issuer": *issuer, "employee-name": in.EmployeeName, "gross": in.GrossSalary, "net": in.NetSalary, "currency": in.Currency, "pay-period": in.PayPeriod} {
		if err := required(name, value); err != nil {
			return err
		}
	}
	in.PaymentMode = models.PaymentMode(*paymentMode)
	return exchange(ctx, out, conn, "employee.request_credential", credentialRequestParams{IssuerID: *issuer, CredentialRequestInput: in})
}

func runPresent(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("present", flag.ContinueOnError)
	conn := rpcFlags(fs)
	verifier := fs.String("verifier", "", "verifier node id")
	requestID := fs.String("request-id", "", "id of the received credential to present")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := required("verifier", *verifier); err != nil {
		return err
	}
	if err := required("request-id", *requestID); err != nil {
		return err
	}
	return exchange(ctx, out, conn, "employee.present", []string{*verifier, *requestID})
}

// exchange prints an exchange result and turns a failed or rejected outcome
// into an error so the exit status reflects it.
func exchange(ctx context.Context, out io.Writer, conn func() (*nodeagent.Client, time.Duration), method string, params any) error {
	client, timeout := conn()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result models.ExchangeResult
	if err := client.Call(ctx, method, params, &result); err != nil {
		return err
	}
	if err := printJSON(out, result); err != nil {
		return err
	}
	return exchangeOutcome(result)
}

func exchangeOutcome(result models.ExchangeResult) error {
	if result.Error != "" {
		return fmt.Errorf("exchange failed: %s", result.Error)
	}
	resp, _ := result.Response.(map[string]any)
	switch resp["type"] {
	case "error":
		return fmt.Errorf("%w: %v", errTrustFailed, resp["message"])
	case "verificationResult":
		valid, _ := resp["isValid"].(bool)
		trusted, _ := resp["isTrusted"].(bool)
		if !valid || !trusted {
			return fmt.Errorf("%w: %v", errTrustFailed, resp["message"])
		}
	}
	return nil
}

func runReceived(ctx context.Context, args []string, out io.Writer) error {
	return runLookup(ctx, "received", "request-id", "employee.credentials", "employee.credential", args, out)
}

func runVerified(ctx context.Context, args []string, out io.Writer) error {
	return runLookup(ctx, "verified", "presentation-id", "verifier.credentials", "verifier.credential", args, out)
}

func runPresentations(ctx context.Context, args []string, out io.Writer) error {
	return runLookup(ctx, "presentations", "presentation-id", "employee.presentations", "employee.presentation", args, out)
}

// runLookup lists records, or fetches one when the id flag is set.
func runLookup(ctx context.Context, name, idFlag, listMethod, getMethod string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	conn := rpcFlags(fs)
	id := fs.String(idFlag, "", "record id (optional)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(*id) == "" {
		return remoteCall(ctx, out, conn, listMethod, nil)
	}
	return remoteCall(ctx, out, conn, getMethod, []string{*id})
}
