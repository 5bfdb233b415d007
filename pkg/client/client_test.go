package client_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/citeledger/citeledger/pkg/client"
)

// ── Stub server ─────────────────────────────────────────────────────────

const sampleFingerprint = `{
	"hashed_identity": "0x1111111111111111111111111111111111111111111111111111111111111111",
	"hashed_triple":   "0x2222222222222222222222222222222222222222222222222222222222222222",
	"metadata_root":   "0x3333333333333333333333333333333333333333333333333333333333333333",
	"fulltext_root":   "0x4444444444444444444444444444444444444444444444444444444444444444"
}`

// stubRegistrarServer answers the registrar API with canned responses and
// rejects mutating requests whose assertion does not verify.
func stubRegistrarServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	checkAssertion := func(w http.ResponseWriter, as client.Assertion) bool {
		if as.Scheme == "jwt" {
			if as.Token == "" {
				http.Error(w, `{"error":"empty token"}`, http.StatusForbidden)
				return false
			}
			return true
		}
		if as.Scheme != "ed25519" ||
			!ed25519.Verify(ed25519.PublicKey(as.PublicKey), as.Message, as.Signature) {
			http.Error(w, `{"error":"signature invalid"}`, http.StatusForbidden)
			return false
		}
		return true
	}

	mux.HandleFunc("/api/v1/register", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Record    client.Record    `json:"record"`
			FullText  string           `json:"full_text"`
			Assertion client.Assertion `json:"assertion"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"error":"bad payload"}`, http.StatusBadRequest)
			return
		}
		if !checkAssertion(w, body.Assertion) {
			return
		}
		if body.Record.DOI == "" {
			http.Error(w, `{"error":"missing doi"}`, http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{
			"document_id": 7,
			"tx_ref": "tx-register-1",
			"fingerprint": ` + sampleFingerprint + `,
			"checked_fields": ["doi", "title", "authors", "date"],
			"dry_run": false
		}`))
	})

	mux.HandleFunc("/api/v1/retraction/set", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ref       string           `json:"ref"`
			Retract   bool             `json:"retract"`
			Assertion client.Assertion `json:"assertion"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"error":"bad payload"}`, http.StatusBadRequest)
			return
		}
		if !checkAssertion(w, body.Assertion) {
			return
		}
		if body.Ref == "99" {
			http.Error(w, `{"error":"document not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"document_id": 42, "tx_ref": "tx-retract-1", "retracted": body.Retract,
		})
	})

	mux.HandleFunc("/api/v1/retraction/status", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ref string `json:"ref"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{"document_id": 42, "retracted": true})
	})

	mux.HandleFunc("/api/v1/edit", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			OldRef    string           `json:"old_ref"`
			Record    client.Record    `json:"record"`
			Assertion client.Assertion `json:"assertion"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"error":"bad payload"}`, http.StatusBadRequest)
			return
		}
		if !checkAssertion(w, body.Assertion) {
			return
		}
		w.Write([]byte(`{
			"old_document_id": 42,
			"new_document_id": 43,
			"retraction_ref": "skipped_already_retracted",
			"registration_ref": "tx-register-2",
			"fingerprint": ` + sampleFingerprint + `
		}`))
	})

	mux.HandleFunc("/api/v1/validate", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"document_id": 42,
			"metadata_match": true,
			"fulltext_match": false,
			"retracted": false,
			"local":  {"metadata_root": "0xaa", "fulltext_root": "0xbb"},
			"stored": {"metadata_root": "0xaa", "fulltext_root": "0xcc"},
			"checked_fields": ["doi"]
		}`))
	})

	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") == "99" {
			http.Error(w, `{"error":"not found on ledger"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"document_id": 42, "retracted": false})
	})

	mux.HandleFunc("/api/v1/ledger/operations", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"operations": [
			{"name": "register", "inputs": ["hash32","hash32","hash32","hash32"], "read_only": false},
			{"name": "getPaper", "inputs": ["uint"], "read_only": true}
		]}`))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "degraded",
			"probes": map[string]string{"ledger": "ok", "archive": "disk full"},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.Error(w, `{"error":"no such route"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"service": "citeledger", "version": "1.2.3", "mode": "standard", "digest": "blake3",
		})
	})

	return httptest.NewServer(mux)
}

func signingClient(t *testing.T, serverURL string) *client.Client {
	t.Helper()
	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.New(serverURL, client.WithSigningKey(key))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestRegister_signsAssertion(t *testing.T) {
	srv := stubRegistrarServer(t)
	defer srv.Close()

	c := signingClient(t, srv.URL)

	res, err := c.Register(context.Background(), client.RegisterRequest{
		Record: client.Record{
			DOI:     "10.1234/widgets.5",
			Title:   "On Widgets",
			Authors: []string{"A. One"},
			Date:    "2024-01-05",
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.DocumentID != 7 {
		t.Errorf("DocumentID: got %d, want 7", res.DocumentID)
	}
	if res.TxRef != "tx-register-1" {
		t.Errorf("TxRef: got %q", res.TxRef)
	}
	if res.DryRun {
		t.Error("expected a committed registration, got dry run")
	}
	if !strings.HasPrefix(res.Fingerprint.HashedIdentity, "0x1111") {
		t.Errorf("unexpected fingerprint: %+v", res.Fingerprint)
	}
}

func TestRegister_requiresCredentials(t *testing.T) {
	c, err := client.New("http://localhost:1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Register(context.Background(), client.RegisterRequest{})
	if err == nil || !strings.Contains(err.Error(), "no credentials") {
		t.Errorf("expected a credentials error, got %v", err)
	}
}

func TestRegister_tokenAssertion(t *testing.T) {
	srv := stubRegistrarServer(t)
	defer srv.Close()

	c, err := client.New(srv.URL, client.WithToken("issued-jwt"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Register(context.Background(), client.RegisterRequest{
		Record: client.Record{DOI: "10.1/x"},
	})
	if err != nil {
		t.Fatalf("Register with token: %v", err)
	}
}

func TestSetRetraction_success(t *testing.T) {
	srv := stubRegistrarServer(t)
	defer srv.Close()

	c := signingClient(t, srv.URL)

	res, err := c.SetRetraction(context.Background(), "doi:10.1234/widgets.5", true)
	if err != nil {
		t.Fatalf("SetRetraction: %v", err)
	}
	if res.DocumentID != 42 || !res.Retracted {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestSetRetraction_notFound(t *testing.T) {
	srv := stubRegistrarServer(t)
	defer srv.Close()

	c := signingClient(t, srv.URL)

	_, err := c.SetRetraction(context.Background(), "99", true)
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRetractionStatus_noCredentialsNeeded(t *testing.T) {
	srv := stubRegistrarServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	res, err := c.RetractionStatus(context.Background(), "42")
	if err != nil {
		t.Fatalf("RetractionStatus: %v", err)
	}
	if res.DocumentID != 42 || !res.Retracted {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestEdit_success(t *testing.T) {
	srv := stubRegistrarServer(t)
	defer srv.Close()

	c := signingClient(t, srv.URL)

	res, err := c.Edit(context.Background(), client.EditRequest{
		OldRef: "42",
		Record: client.Record{DOI: "10.1/y", Title: "T", Authors: []string{"a"}, Date: "2024-01-01"},
	})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if res.NewDocumentID != 43 {
		t.Errorf("NewDocumentID: got %d, want 43", res.NewDocumentID)
	}
	if res.RetractionRef != client.SkippedAlreadyRetracted {
		t.Errorf("RetractionRef: got %q", res.RetractionRef)
	}
}

func TestValidate_reportsMismatch(t *testing.T) {
	srv := stubRegistrarServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	res, err := c.Validate(context.Background(), client.ValidateRequest{
		Record: client.Record{DOI: "10.1/x"},
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.MetadataMatch || res.FulltextMatch {
		t.Errorf("unexpected match flags: %+v", res)
	}
	if res.Stored.FulltextRoot != "0xcc" {
		t.Errorf("Stored.FulltextRoot: got %q", res.Stored.FulltextRoot)
	}
}

func TestStatus_queryForms(t *testing.T) {
	var lastQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]any{"document_id": 1, "retracted": false})
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)

	cases := []struct {
		ref  string
		want []string
	}{
		{"42", []string{"id=42"}},
		{"doi:10.1234/widgets.5", []string{"doi=10.1234%2Fwidgets.5"}},
		{
			"triple:On Widgets|A. One;B. Two|2024-01-05",
			[]string{"title=On+Widgets", "authors=A.+One%2CB.+Two", "date=2024-01-05"},
		},
	}

	for _, tc := range cases {
		if _, err := c.Status(context.Background(), tc.ref); err != nil {
			t.Fatalf("Status(%q): %v", tc.ref, err)
		}
		for _, part := range tc.want {
			if !strings.Contains(lastQuery, part) {
				t.Errorf("Status(%q) query %q missing %q", tc.ref, lastQuery, part)
			}
		}
	}
}

func TestStatus_notFound(t *testing.T) {
	srv := stubRegistrarServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	_, err := c.Status(context.Background(), "99")
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOperations_success(t *testing.T) {
	srv := stubRegistrarServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	ops, err := c.Operations(context.Background())
	if err != nil {
		t.Fatalf("Operations: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(ops))
	}
	if ops[0].Name != "register" || ops[0].ReadOnly {
		t.Errorf("unexpected first operation: %+v", ops[0])
	}
}

func TestServiceInfo_success(t *testing.T) {
	srv := stubRegistrarServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	info, err := c.ServiceInfo(context.Background())
	if err != nil {
		t.Fatalf("ServiceInfo: %v", err)
	}
	if info.Service != "citeledger" || info.Mode != "standard" {
		t.Errorf("unexpected banner: %+v", info)
	}
}

func TestHealth_degradedIsNotAnError(t *testing.T) {
	srv := stubRegistrarServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "degraded" {
		t.Errorf("Status: got %q, want %q", h.Status, "degraded")
	}
	if h.Probes["archive"] != "disk full" {
		t.Errorf("Probes: got %v", h.Probes)
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	pub, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := client.SaveKeyFile(path, key); err != nil {
		t.Fatalf("SaveKeyFile: %v", err)
	}

	loaded, err := client.LoadKeyFile(path)
	if err != nil {
		t.Fatalf("LoadKeyFile: %v", err)
	}
	as := client.SignEd25519([]byte("hello"), loaded)
	if !ed25519.Verify(pub, as.Message, as.Signature) {
		t.Error("signature from reloaded key does not verify")
	}

	if got := client.Principal(pub); !strings.HasPrefix(got, "ed25519:") {
		t.Errorf("Principal: got %q", got)
	}
}

func TestWithKeyFile_badFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	_, err := client.New("http://localhost:1", client.WithKeyFile(path))
	if err == nil {
		t.Error("expected an error for a missing key file")
	}
}
