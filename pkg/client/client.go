package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/citeledger/citeledger/pkg/docref"
)

// ErrNotFound is returned when the server reports that no document matches
// the reference.
var ErrNotFound = errors.New("document not found")

// SkippedAlreadyRetracted is the EditResult.RetractionRef value reported
// when the old document was already retracted and no retraction was
// submitted.
const SkippedAlreadyRetracted = "skipped_already_retracted"

// Record is the bibliographic metadata payload. Date must be an ISO
// calendar date (YYYY-MM-DD); author order is significant.
type Record struct {
	DOI      string   `json:"doi,omitempty"`
	Title    string   `json:"title,omitempty"`
	Authors  []string `json:"authors,omitempty"`
	Date     string   `json:"date,omitempty"`
	Journal  string   `json:"journal,omitempty"`
	Abstract string   `json:"abstract,omitempty"`
}

// Assertion is the proof of identity attached to mutating requests. Byte
// fields travel as base64 in JSON.
type Assertion struct {
	Scheme    string `json:"scheme"`
	Message   []byte `json:"message,omitempty"`
	Signature []byte `json:"signature,omitempty"`
	PublicKey []byte `json:"public_key,omitempty"`
	Token     string `json:"token,omitempty"`
}

// Fingerprint carries the four committed roots as 0x-prefixed hex.
type Fingerprint struct {
	HashedIdentity string `json:"hashed_identity"`
	HashedTriple   string `json:"hashed_triple"`
	MetadataRoot   string `json:"metadata_root"`
	FulltextRoot   string `json:"fulltext_root"`
}

// RegisterRequest is the payload for Register.
type RegisterRequest struct {
	Record    Record
	FullText  string
	ChunkSize int // 0 = server default
}

// RegisterResult reports a registration. DocumentID and TxRef are empty
// in dry-run mode.
type RegisterResult struct {
	DocumentID    uint64      `json:"document_id"`
	TxRef         string      `json:"tx_ref"`
	Fingerprint   Fingerprint `json:"fingerprint"`
	CheckedFields []string    `json:"checked_fields"`
	DryRun        bool        `json:"dry_run"`
}

// RetractionResult reports a retraction-state change.
type RetractionResult struct {
	DocumentID uint64 `json:"document_id"`
	TxRef      string `json:"tx_ref"`
	Retracted  bool   `json:"retracted"`
}

// StatusResult reports a document's current retraction state.
type StatusResult struct {
	DocumentID uint64 `json:"document_id"`
	Retracted  bool   `json:"retracted"`
}

// EditRequest is the payload for Edit. OldRef names the document being
// replaced in docref syntax.
type EditRequest struct {
	OldRef    string
	Record    Record
	FullText  string
	ChunkSize int
}

// EditResult reports an edit. RetractionRef carries either the retraction
// transaction reference or SkippedAlreadyRetracted.
type EditResult struct {
	OldDocumentID   uint64      `json:"old_document_id"`
	NewDocumentID   uint64      `json:"new_document_id"`
	RetractionRef   string      `json:"retraction_ref"`
	RegistrationRef string      `json:"registration_ref"`
	Fingerprint     Fingerprint `json:"fingerprint"`
}

// ValidateRequest is the payload for Validate. Ref may be empty, in which
// case the record resolves itself.
type ValidateRequest struct {
	Ref       string
	Record    Record
	FullText  string
	ChunkSize int
}

// RootPair is a metadata/fulltext root pair in 0x-prefixed hex.
type RootPair struct {
	MetadataRoot string `json:"metadata_root"`
	FulltextRoot string `json:"fulltext_root"`
}

// ValidateResult is a per-root match report. A mismatch is a normal
// result, not an error.
type ValidateResult struct {
	DocumentID    uint64   `json:"document_id"`
	MetadataMatch bool     `json:"metadata_match"`
	FulltextMatch bool     `json:"fulltext_match"`
	Retracted     bool     `json:"retracted"`
	Local         RootPair `json:"local"`
	Stored        RootPair `json:"stored"`
	CheckedFields []string `json:"checked_fields"`
}

// Operation describes one ledger-side operation as the registrar sees it.
type Operation struct {
	Name     string   `json:"name"`
	Inputs   []string `json:"inputs"`
	ReadOnly bool     `json:"read_only"`
}

// ServiceInfo is the banner returned by GET /.
type ServiceInfo struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Mode    string `json:"mode"`
	Digest  string `json:"digest"`
}

// Health is the readiness report returned by GET /healthz. Probes maps
// each dependency name to "ok" or its failure text.
type Health struct {
	Status string            `json:"status"`
	Probes map[string]string `json:"probes"`
}

// Client is the citeledger SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client
	key        ed25519.PrivateKey
	token      string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithSigningKey configures ed25519 assertion signing for mutating calls.
func WithSigningKey(key ed25519.PrivateKey) Option {
	return func(c *Client) error {
		if len(key) != ed25519.PrivateKeySize {
			return fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
		}
		c.key = key
		return nil
	}
}

// WithToken attaches a pre-issued JWT to mutating calls instead of a
// signature. The token travels inside the assertion payload, not as a
// bearer header.
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// New creates a citeledger SDK Client for the registrar at baseURL.
//
//	c, err := client.New("https://registrar.example.com",
//	    client.WithKeyFile("key.pem"),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Register commits a record's fingerprint through POST /api/v1/register.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	as, err := c.assert("register")
	if err != nil {
		return nil, err
	}
	payload := struct {
		Record    Record    `json:"record"`
		FullText  string    `json:"full_text,omitempty"`
		ChunkSize int       `json:"chunk_size,omitempty"`
		Assertion Assertion `json:"assertion"`
	}{req.Record, req.FullText, req.ChunkSize, as}

	var result RegisterResult
	if err := c.postJSON(ctx, "/api/v1/register", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetRetraction flips the retraction flag of the referenced document
// through POST /api/v1/retraction/set. ref uses docref syntax.
func (c *Client) SetRetraction(ctx context.Context, ref string, retract bool) (*RetractionResult, error) {
	as, err := c.assert("retraction/set")
	if err != nil {
		return nil, err
	}
	payload := struct {
		Ref       string    `json:"ref"`
		Retract   bool      `json:"retract"`
		Assertion Assertion `json:"assertion"`
	}{ref, retract, as}

	var result RetractionResult
	if err := c.postJSON(ctx, "/api/v1/retraction/set", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RetractionStatus reads the referenced document's retraction state
// through POST /api/v1/retraction/status. No credentials are required.
func (c *Client) RetractionStatus(ctx context.Context, ref string) (*StatusResult, error) {
	payload := struct {
		Ref string `json:"ref"`
	}{ref}

	var result StatusResult
	if err := c.postJSON(ctx, "/api/v1/retraction/status", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Edit replaces the referenced document through POST /api/v1/edit: the old
// document is retracted (unless it already is) and the new content is
// registered as a fresh document.
func (c *Client) Edit(ctx context.Context, req EditRequest) (*EditResult, error) {
	as, err := c.assert("edit")
	if err != nil {
		return nil, err
	}
	payload := struct {
		OldRef    string    `json:"old_ref"`
		Record    Record    `json:"record"`
		FullText  string    `json:"full_text,omitempty"`
		ChunkSize int       `json:"chunk_size,omitempty"`
		Assertion Assertion `json:"assertion"`
	}{req.OldRef, req.Record, req.FullText, req.ChunkSize, as}

	var result EditResult
	if err := c.postJSON(ctx, "/api/v1/edit", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Validate recomputes the fingerprint server-side and compares it against
// the committed roots through POST /api/v1/validate. No credentials are
// required.
func (c *Client) Validate(ctx context.Context, req ValidateRequest) (*ValidateResult, error) {
	payload := struct {
		Ref       string `json:"ref,omitempty"`
		Record    Record `json:"record"`
		FullText  string `json:"full_text,omitempty"`
		ChunkSize int    `json:"chunk_size,omitempty"`
	}{req.Ref, req.Record, req.FullText, req.ChunkSize}

	var result ValidateResult
	if err := c.postJSON(ctx, "/api/v1/validate", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status reads the referenced document's retraction state through the
// public GET /api/v1/status endpoint. ref uses docref syntax; triple
// authors travel comma-joined in the query string, so an author name
// containing a comma needs RetractionStatus instead.
func (c *Client) Status(ctx context.Context, ref string) (*StatusResult, error) {
	parsed, err := docref.Parse(ref)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	switch {
	case parsed.ID != 0:
		q.Set("id", strconv.FormatUint(parsed.ID, 10))
	case parsed.Record.HasDOI():
		q.Set("doi", parsed.Record.DOI)
	default:
		q.Set("title", parsed.Record.Title)
		q.Set("authors", strings.Join(parsed.Record.Authors, ","))
		q.Set("date", parsed.Record.Date)
	}

	var result StatusResult
	if err := c.getJSON(ctx, "/api/v1/status?"+q.Encode(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Operations lists the ledger operations the registrar is connected to,
// from GET /api/v1/ledger/operations. Diagnostic surface.
func (c *Client) Operations(ctx context.Context) ([]Operation, error) {
	var wrapper struct {
		Operations []Operation `json:"operations"`
	}
	if err := c.getJSON(ctx, "/api/v1/ledger/operations", &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Operations, nil
}

// ServiceInfo fetches the service banner from GET /.
func (c *Client) ServiceInfo(ctx context.Context) (*ServiceInfo, error) {
	var info ServiceInfo
	if err := c.getJSON(ctx, "/", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Health fetches the readiness report from GET /healthz. A degraded
// service answers 503 with the same body, which is returned rather than
// treated as an error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("server error %d: %s", status, apiMessage(body))
	}

	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &h, nil
}

// assert builds the credential payload for a mutating call. The signed
// message binds the operation name and a timestamp; the server verifies
// the signature and derives the principal from the public key.
func (c *Client) assert(operation string) (Assertion, error) {
	if c.token != "" {
		return Assertion{Scheme: "jwt", Token: c.token}, nil
	}
	if c.key == nil {
		return Assertion{}, errors.New("no credentials configured: use WithSigningKey, WithKeyFile or WithToken")
	}
	msg := []byte("citeledger " + operation + " " + time.Now().UTC().Format(time.RFC3339))
	return SignEd25519(msg, c.key), nil
}

// postJSON executes a POST with a JSON body and decodes the response.
func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// getJSON executes a GET and decodes the response.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request and maps error statuses.
func (c *Client) do(req *http.Request) ([]byte, error) {
	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, apiMessage(body))
	case status >= 300:
		return nil, fmt.Errorf("server error %d: %s", status, apiMessage(body))
	}
	return body, nil
}

// doStatusBody is a lower-level HTTP call that returns (statusCode, body,
// error) without failing on 4xx responses. The caller interprets the
// status code.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// apiMessage extracts the server's {"error": ...} text, falling back to
// the raw body.
func apiMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
