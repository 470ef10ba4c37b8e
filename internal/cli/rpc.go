package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/harun/lintd/internal/config"
	"github.com/harun/lintd/pkg/gateway"
)

// rpcClient calls the daemon's HTTP JSON-RPC endpoint
type rpcClient struct {
	endpoint string
	secret   string
	http     *http.Client
}

func newRPCClient(cfg *config.Config) (*rpcClient, error) {
	if !cfg.Gateway.Enabled {
		return nil, fmt.Errorf("gateway is disabled in the config")
	}
	if cfg.Gateway.SharedSecret == "" {
		return nil, fmt.Errorf("gateway shared_secret is not configured")
	}
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return &rpcClient{
		endpoint: "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port)) + "/rpc",
		secret:   cfg.Gateway.SharedSecret,
		http:     &http.Client{},
	}, nil
}

// call invokes method and decodes the result into out
func (c *rpcClient) call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(gateway.RPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gateway.SecretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("daemon returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var rpcResp struct {
		Result json.RawMessage   `json:"result"`
		Error  *gateway.RPCError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}
