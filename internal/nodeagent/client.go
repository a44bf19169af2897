// Package nodeagent is the operator side of a running trust node: a JSON-RPC
// client for the daemon plus status and readiness checks built on it.
package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"trust-triangle/go-backend/internal/adapters/rpc"
)

// Codes the daemon returns that callers branch on.
const (
	CodeNotInitialized = -32001
	CodeRoleMismatch   = -32006
	CodeRateLimited    = -32029
)

var ErrUnauthorized = errors.New("rpc token rejected")

// RPCError is a JSON-RPC error object returned by the daemon.
type RPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Category is the daemon's error category (api, network, crypto, storage),
// or "" when the error carried none.
func (e *RPCError) Category() string {
	if e == nil || e.Data == nil {
		return ""
	}
	category, _ := e.Data["category"].(string)
	return category
}

type Client struct {
	endpoint string
	token    string
	http     *http.Client
	nextID   atomic.Int64
}

// NewClient targets rpcAddr, either host:port or a full http(s) URL. The
// /rpc path is appended when the address has none.
func NewClient(rpcAddr, token string) *Client {
	endpoint := strings.TrimSpace(rpcAddr)
	if endpoint == "" {
		endpoint = rpc.DefaultRPCAddr
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	if !strings.HasSuffix(strings.TrimRight(endpoint, "/"), "/rpc") {
		endpoint = strings.TrimRight(endpoint, "/") + "/rpc"
	}
	return &Client{
		endpoint: endpoint,
		token:    strings.TrimSpace(token),
		http:     &http.Client{},
	}
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Call sends method with params (nil means []) and decodes the result into
// out when out is non-nil. Daemon-side failures come back as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params, out any) (retErr error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(rpc.TokenHeader, c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusTooManyRequests:
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("rpc status %d", resp.StatusCode)
	}
	var decoded struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc status %d", resp.StatusCode)
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	return json.Unmarshal(decoded.Result, out)
}

// IsCode reports whether err is an *RPCError with the given code.
func IsCode(err error, code int) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}
