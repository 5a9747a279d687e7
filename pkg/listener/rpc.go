// Package listener watches Solana accounts for new activity through a
// polling RPC path and a streaming websocket path, and feeds both into
// one bounded priority-drop queue for the worker pool to drain.
package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCClient is a rate-limited, retrying Solana JSON-RPC client.
type RPCClient struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
}

func NewRPCClient(url string, ratePerSec float64) *RPCClient {
	return &RPCClient{
		url:     url,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}
}

// call performs one JSON-RPC request, retrying transient failures with
// exponential backoff.
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	var result json.RawMessage

	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("rpc %s: status %d", method, resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return err
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(body, &rpcResp); err != nil {
			return backoff.Permanent(fmt.Errorf("rpc unmarshal: %w", err))
		}
		if rpcResp.Error != nil {
			return backoff.Permanent(fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message))
		}
		result = rpcResp.Result
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return result, nil
}

// SignatureInfo is one entry of getSignaturesForAddress.
type SignatureInfo struct {
	Signature string      `json:"signature"`
	Slot      int64       `json:"slot"`
	BlockTime *int64      `json:"blockTime"`
	Err       interface{} `json:"err"`
}

// GetSignaturesForAddress fetches the most recent signatures involving
// wallet, optionally only those newer than afterSig.
func (c *RPCClient) GetSignaturesForAddress(ctx context.Context, wallet string, limit int, afterSig string) ([]SignatureInfo, error) {
	opts := map[string]interface{}{"limit": limit, "commitment": "finalized"}
	if afterSig != "" {
		opts["until"] = afterSig
	}
	result, err := c.call(ctx, "getSignaturesForAddress", []interface{}{wallet, opts})
	if err != nil {
		return nil, err
	}
	var sigs []SignatureInfo
	if err := json.Unmarshal(result, &sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}

// GetTransaction fetches one transaction's raw JSON envelope.
func (c *RPCClient) GetTransaction(ctx context.Context, signature string) (json.RawMessage, error) {
	return c.call(ctx, "getTransaction", []interface{}{
		signature,
		map[string]interface{}{"encoding": "json", "maxSupportedTransactionVersion": 0},
	})
}
