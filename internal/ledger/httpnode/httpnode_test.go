package httpnode_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/citeledger/citeledger/internal/ledger"
	"github.com/citeledger/citeledger/internal/ledger/httpnode"
	"github.com/citeledger/citeledger/internal/merkle"
)

var ctx = context.Background()

func h(b byte) merkle.Hash {
	var out merkle.Hash
	out[0] = b
	return out
}

// startNode serves a Memory node over the wire protocol and dials it back
// with the HTTP client, so every assertion exercises both sides.
func startNode(t *testing.T, node *ledger.Memory) *ledger.HTTPClient {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	httpnode.New(node, nil).Register(r.Group("/api/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	client, err := ledger.NewHTTPClient(ctx, ledger.HTTPConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRoundTripRegisterAndRead(t *testing.T) {
	node := ledger.NewMemory()
	client := startNode(t, node)

	if !client.CanSubmit() {
		t.Fatal("CanSubmit = false on a writable node")
	}

	ref, err := client.Submit(ctx, "register",
		ledger.HashArg(h(1)), ledger.HashArg(h(2)), ledger.HashArg(h(3)), ledger.HashArg(h(4)))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := client.Await(ctx, ref); err != nil {
		t.Fatalf("Await: %v", err)
	}

	id, err := client.IDByIdentity(ctx, h(1))
	if err != nil {
		t.Fatalf("IDByIdentity: %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}
	id, err = client.IDByTriple(ctx, h(2))
	if err != nil {
		t.Fatalf("IDByTriple: %v", err)
	}
	if id != 1 {
		t.Errorf("triple id = %d, want 1", id)
	}

	st, err := client.GetRecord(ctx, 1)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if st.MetadataRoot != h(3) || st.FulltextRoot != h(4) || st.Retracted {
		t.Errorf("state = %+v", st)
	}
}

func TestRoundTripRetraction(t *testing.T) {
	node := ledger.NewMemory()
	client := startNode(t, node)

	ref, err := client.Submit(ctx, "register",
		ledger.HashArg(h(1)), ledger.HashArg(h(2)), ledger.HashArg(h(3)), ledger.HashArg(h(4)))
	if err != nil {
		t.Fatalf("Submit(register): %v", err)
	}
	if err := client.Await(ctx, ref); err != nil {
		t.Fatalf("Await: %v", err)
	}

	ref, err = client.Submit(ctx, "setRetraction", ledger.UintArg(1), ledger.BoolArg(true))
	if err != nil {
		t.Fatalf("Submit(setRetraction): %v", err)
	}
	if err := client.Await(ctx, ref); err != nil {
		t.Fatalf("Await(setRetraction): %v", err)
	}
	st, err := client.GetRecord(ctx, 1)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if !st.Retracted {
		t.Error("record not retracted through the wire")
	}

	// A redundant flag write settles as a call failure.
	ref, err = client.Submit(ctx, "setRetraction", ledger.UintArg(1), ledger.BoolArg(true))
	if err != nil {
		t.Fatalf("Submit(redundant): %v", err)
	}
	if err := client.Await(ctx, ref); !errors.Is(err, ledger.ErrCallFailed) {
		t.Errorf("redundant retraction err = %v, want ErrCallFailed", err)
	}
}

func TestRoundTripErrors(t *testing.T) {
	node := ledger.NewMemory()
	client := startNode(t, node)

	if _, err := client.GetRecord(ctx, 99); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("GetRecord(99) err = %v, want ErrNotFound", err)
	}
	if _, err := client.Capability(ctx, "phantom"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Capability err = %v, want ErrNotFound", err)
	}
	if _, err := client.Submit(ctx, "noSuchOp"); !errors.Is(err, ledger.ErrCallFailed) {
		t.Errorf("Submit(noSuchOp) err = %v, want ErrCallFailed", err)
	}
	if err := client.Await(ctx, "unknown-ref"); !errors.Is(err, ledger.ErrCallFailed) {
		t.Errorf("Await(unknown) err = %v, want ErrCallFailed", err)
	}

	id, err := client.IDByIdentity(ctx, h(0x77))
	if err != nil {
		t.Fatalf("IDByIdentity: %v", err)
	}
	if id != 0 {
		t.Errorf("unknown identity id = %d, want 0", id)
	}
}

func TestRoundTripCapabilities(t *testing.T) {
	node := ledger.NewMemory()
	capID := h(0xAA)
	node.DefineCapability("registrar", capID)
	node.Grant("ed25519:AAAA/BBBB+CCCC=", capID)
	client := startNode(t, node)

	got, err := client.Capability(ctx, "registrar")
	if err != nil {
		t.Fatalf("Capability: %v", err)
	}
	if got != capID {
		t.Errorf("capability id = %s, want %s", got.Hex(), capID.Hex())
	}

	// Principals carry base64 with slashes; they must survive the query.
	ok, err := client.HasCapability(ctx, "ed25519:AAAA/BBBB+CCCC=", capID)
	if err != nil {
		t.Fatalf("HasCapability: %v", err)
	}
	if !ok {
		t.Error("granted principal reported as non-holder")
	}
	ok, err = client.HasCapability(ctx, "ed25519:other", capID)
	if err != nil {
		t.Fatalf("HasCapability(other): %v", err)
	}
	if ok {
		t.Error("ungranted principal reported as holder")
	}
}

func TestRoundTripOperations(t *testing.T) {
	node := ledger.NewMemory()
	client := startNode(t, node)

	ops, err := client.Operations(ctx)
	if err != nil {
		t.Fatalf("Operations: %v", err)
	}
	found := false
	for _, op := range ops {
		if op.Name == "register" && len(op.Inputs) == 4 {
			found = true
		}
	}
	if !found {
		t.Errorf("register descriptor missing from %v", ops)
	}
}

func TestReadOnlyClientNeverProbes(t *testing.T) {
	node := ledger.NewMemory()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	httpnode.New(node, nil).Register(r.Group("/api/v1"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	client, err := ledger.NewHTTPClient(ctx, ledger.HTTPConfig{Endpoint: srv.URL, ReadOnly: true})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	defer client.Close()

	if client.CanSubmit() {
		t.Error("read-only client reports CanSubmit")
	}
}

func TestBadHashParamRejected(t *testing.T) {
	node := ledger.NewMemory()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	httpnode.New(node, nil).Register(r.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ledger/identity/nothex", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
}
