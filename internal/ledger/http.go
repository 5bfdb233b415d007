package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/citeledger/citeledger/internal/merkle"
)

// Wire messages of the httpnode JSON protocol. The HTTP client and the
// httpnode server must agree on these shapes.
type (
	// IDResponse carries a document id; zero means no match.
	IDResponse struct {
		ID uint64 `json:"id"`
	}
	// CapabilityResponse carries a resolved capability identifier.
	CapabilityResponse struct {
		ID merkle.Hash `json:"id"`
	}
	// GrantResponse reports whether a principal holds a capability.
	GrantResponse struct {
		Granted bool `json:"granted"`
	}
	// OperationsResponse lists the node's operation descriptors.
	OperationsResponse struct {
		Operations []OperationDescriptor `json:"operations"`
	}
	// SubmitRequest names an operation and its typed arguments.
	SubmitRequest struct {
		Op   string `json:"op"`
		Args []Arg  `json:"args"`
	}
	// SubmitResponse carries the reference of an accepted transaction.
	SubmitResponse struct {
		TxRef TxRef `json:"tx_ref"`
	}
	// AwaitResponse reports a settled transaction.
	AwaitResponse struct {
		Settled bool `json:"settled"`
	}
	// CanSubmitResponse reports the node's signing ability.
	CanSubmitResponse struct {
		CanSubmit bool `json:"can_submit"`
	}
	// ErrorResponse carries a protocol-level failure message.
	ErrorResponse struct {
		Error string `json:"error"`
	}
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	Endpoint string        // node base URL, e.g. "http://ledger:9090"
	Timeout  time.Duration // per-request; default 10s
	ReadOnly bool          // never submit; CanSubmit reports false

	// OAuth2 client-credentials token source; empty TokenURL disables it.
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// HTTPClient implements Client over the httpnode JSON protocol.
type HTTPClient struct {
	base      string
	http      *http.Client
	canSubmit bool
}

// NewHTTPClient dials a ledger node. Unless cfg.ReadOnly is set, the
// node's signing ability is probed once so CanSubmit can answer without a
// network round trip.
func NewHTTPClient(ctx context.Context, cfg HTTPConfig) (*HTTPClient, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		hc = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, hc))
		hc.Timeout = timeout
	}

	c := &HTTPClient{base: strings.TrimRight(cfg.Endpoint, "/"), http: hc}
	if !cfg.ReadOnly {
		var out CanSubmitResponse
		if err := c.getJSON(ctx, "/api/v1/ledger/can-submit", &out); err != nil {
			return nil, fmt.Errorf("probe ledger node: %w", err)
		}
		c.canSubmit = out.CanSubmit
	}
	return c, nil
}

// IDByIdentity implements Client.
func (c *HTTPClient) IDByIdentity(ctx context.Context, hash merkle.Hash) (uint64, error) {
	var out IDResponse
	if err := c.getJSON(ctx, "/api/v1/ledger/identity/"+hash.Hex(), &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// IDByTriple implements Client.
func (c *HTTPClient) IDByTriple(ctx context.Context, hash merkle.Hash) (uint64, error) {
	var out IDResponse
	if err := c.getJSON(ctx, "/api/v1/ledger/triple/"+hash.Hex(), &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// GetRecord implements Client.
func (c *HTTPClient) GetRecord(ctx context.Context, id uint64) (RecordState, error) {
	var out RecordState
	if err := c.getJSON(ctx, "/api/v1/ledger/records/"+strconv.FormatUint(id, 10), &out); err != nil {
		return RecordState{}, err
	}
	return out, nil
}

// Capability implements Client.
func (c *HTTPClient) Capability(ctx context.Context, name string) (merkle.Hash, error) {
	var out CapabilityResponse
	if err := c.getJSON(ctx, "/api/v1/ledger/capabilities/"+url.PathEscape(name), &out); err != nil {
		return merkle.Hash{}, err
	}
	return out.ID, nil
}

// HasCapability implements Client. The principal travels as a query
// parameter: principals carry base64, which does not survive path segments.
func (c *HTTPClient) HasCapability(ctx context.Context, principal string, capability merkle.Hash) (bool, error) {
	q := url.Values{}
	q.Set("principal", principal)
	q.Set("capability", capability.Hex())
	var out GrantResponse
	if err := c.getJSON(ctx, "/api/v1/ledger/grants?"+q.Encode(), &out); err != nil {
		return false, err
	}
	return out.Granted, nil
}

// Operations implements Client.
func (c *HTTPClient) Operations(ctx context.Context) ([]OperationDescriptor, error) {
	var out OperationsResponse
	if err := c.getJSON(ctx, "/api/v1/ledger/operations", &out); err != nil {
		return nil, err
	}
	return out.Operations, nil
}

// Submit implements Client.
func (c *HTTPClient) Submit(ctx context.Context, op string, args ...Arg) (TxRef, error) {
	var out SubmitResponse
	if err := c.postJSON(ctx, "/api/v1/ledger/transactions", SubmitRequest{Op: op, Args: args}, &out); err != nil {
		return "", err
	}
	return out.TxRef, nil
}

// Await implements Client.
func (c *HTTPClient) Await(ctx context.Context, ref TxRef) error {
	path := "/api/v1/ledger/transactions/" + url.PathEscape(string(ref)) + "/await"
	return c.postJSON(ctx, path, nil, &AwaitResponse{})
}

// CanSubmit implements Client.
func (c *HTTPClient) CanSubmit() bool { return c.canSubmit }

// Close implements Client.
func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCallFailed, err)
	}
	return c.do(req, out)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrCallFailed, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCallFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCallFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrCallFailed, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", errorText(body), ErrNotFound)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: status %d: %s", ErrCallFailed, resp.StatusCode, errorText(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrCallFailed, err)
	}
	return nil
}

func errorText(body []byte) string {
	var e ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
