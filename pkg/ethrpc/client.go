package ethrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrHTTPStatus is returned when the node answers with a non-200 status
	ErrHTTPStatus = errors.New("unexpected http status")
	// ErrInvalidHex is returned when a quantity in a response is not 0x-prefixed hex
	ErrInvalidHex = errors.New("invalid hex quantity")
)

// RPCError is an error object returned by the node
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Client is a JSON-RPC client for one node
type Client struct {
	log        logrus.FieldLogger
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	nextID     atomic.Uint64
}

// NewClient creates a client for url
func NewClient(log logrus.FieldLogger, url string, timeout time.Duration, maxRetries int) *Client {
	return &Client{
		log:        log.WithField("component", "ethrpc"),
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		backoff:    100 * time.Millisecond,
	}
}

// Call executes method and decodes the result into out. Transport failures and non-200
// answers are retried with exponential backoff; errors reported by the node are not.
func (c *Client) Call(ctx context.Context, out any, method string, params ...any) error {
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return err
	}

	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		result, err := c.doRequest(ctx, body)
		if err == nil {
			if out == nil {
				return nil
			}

			if err := json.Unmarshal(result, out); err != nil {
				return fmt.Errorf("%s: invalid result: %w", method, err)
			}

			return nil
		}

		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return fmt.Errorf("%s: %w", method, err)
		}

		lastErr = err

		if attempt < c.maxRetries {
			backoff := time.Duration(1<<attempt) * c.backoff

			c.log.WithError(err).WithFields(logrus.Fields{
				"method":  method,
				"attempt": attempt + 1,
				"backoff": backoff,
			}).Debug("RPC call failed, retrying")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", method, c.maxRetries+1, lastErr)
}

func (c *Client) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrHTTPStatus, httpResp.StatusCode)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	var resp response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp.Result, nil
}

// ParseHexUint64 parses a 0x-prefixed quantity
func ParseHexUint64(s string) (uint64, error) {
	digits, ok := strings.CutPrefix(s, "0x")
	if !ok || digits == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHex, s)
	}

	n, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidHex, s, err)
	}

	return n, nil
}

// HexUint64 formats n as a 0x-prefixed quantity
func HexUint64(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}
