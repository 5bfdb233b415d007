package resolve_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/citeledger/citeledger/internal/fingerprint"
	"github.com/citeledger/citeledger/internal/ledger"
	"github.com/citeledger/citeledger/internal/merkle"
	"github.com/citeledger/citeledger/internal/record"
	"github.com/citeledger/citeledger/internal/resolve"
)

var ctx = context.Background()

func newFingerprinter(t *testing.T) fingerprint.Fingerprinter {
	t.Helper()
	h, err := merkle.NewHasher("")
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	return fingerprint.New(h, fingerprint.ModeFull)
}

func sampleRecord() *record.MetadataRecord {
	return &record.MetadataRecord{
		DOI:      "10.1234/widgets.2024.001",
		Title:    "On the Stability of Widgets",
		Authors:  []string{"Ada Lovelace", "Charles Babbage"},
		Date:     "2024-03-14",
		Journal:  "Journal of Widgetry",
		Abstract: "We study widgets under load.",
	}
}

// registerRecord commits rec's fingerprint. Memory mints ids sequentially
// from 1, so callers track ids by registration order.
func registerRecord(t *testing.T, node *ledger.Memory, fp fingerprint.Fingerprinter, rec *record.MetadataRecord) {
	t.Helper()
	fpr, err := fp.Compute(rec, "full text of the widget study", 0)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	ref, err := node.Submit(ctx, "register",
		ledger.HashArg(fpr.HashedIdentity), ledger.HashArg(fpr.HashedTriple),
		ledger.HashArg(fpr.MetadataRoot), ledger.HashArg(fpr.FulltextRoot))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := node.Await(ctx, ref); err != nil {
		t.Fatalf("Await: %v", err)
	}
}

func TestResolveExplicitID(t *testing.T) {
	node := ledger.NewMemory()
	r := resolve.New(node, newFingerprinter(t), resolve.Config{}, nil)

	// An explicit id is used as given, no ledger lookup.
	id, err := r.Resolve(ctx, record.Ref{ID: 42, Record: sampleRecord()})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != 42 {
		t.Errorf("id = %d, want 42", id)
	}
}

func TestResolveByDOI(t *testing.T) {
	node := ledger.NewMemory()
	fp := newFingerprinter(t)
	registerRecord(t, node, fp, sampleRecord())
	r := resolve.New(node, fp, resolve.Config{}, nil)

	id, err := r.Resolve(ctx, record.Ref{Record: &record.MetadataRecord{DOI: "10.1234/widgets.2024.001"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}

	// The DOI route normalizes, so a resolver-prefixed variant matches.
	id, err = r.Resolve(ctx, record.Ref{Record: &record.MetadataRecord{DOI: "https://doi.org/10.1234/WIDGETS.2024.001"}})
	if err != nil {
		t.Fatalf("Resolve(prefixed): %v", err)
	}
	if id != 1 {
		t.Errorf("prefixed id = %d, want 1", id)
	}
}

func TestResolveByTriple(t *testing.T) {
	node := ledger.NewMemory()
	fp := newFingerprinter(t)
	registerRecord(t, node, fp, sampleRecord())
	r := resolve.New(node, fp, resolve.Config{}, nil)

	rec := sampleRecord()
	rec.DOI = ""
	id, err := r.Resolve(ctx, record.Ref{Record: rec})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}
}

func TestResolveFallsThroughToTriple(t *testing.T) {
	node := ledger.NewMemory()
	fp := newFingerprinter(t)
	registerRecord(t, node, fp, sampleRecord())
	r := resolve.New(node, fp, resolve.Config{}, nil)

	// Unknown DOI, known triple: the identity route misses and the triple
	// route still finds the document.
	rec := sampleRecord()
	rec.DOI = "10.9999/not-this-one"
	id, err := r.Resolve(ctx, record.Ref{Record: rec})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}
}

func TestResolveNotFound(t *testing.T) {
	node := ledger.NewMemory()
	r := resolve.New(node, newFingerprinter(t), resolve.Config{}, nil)

	_, err := r.Resolve(ctx, record.Ref{Record: &record.MetadataRecord{DOI: "10.5555/nobody"}})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResolveAmbiguousReference(t *testing.T) {
	node := ledger.NewMemory()
	r := resolve.New(node, newFingerprinter(t), resolve.Config{}, nil)

	cases := []record.Ref{
		{},
		{Record: &record.MetadataRecord{}},
		{Record: &record.MetadataRecord{Title: "On Widgets"}},
		{Record: &record.MetadataRecord{Title: "On Widgets", Authors: []string{"A"}}},
	}
	for i, ref := range cases {
		if _, err := r.Resolve(ctx, ref); !errors.Is(err, resolve.ErrAmbiguousReference) {
			t.Errorf("case %d: err = %v, want ErrAmbiguousReference", i, err)
		}
	}
}

func TestResolveRejectsBadTripleDate(t *testing.T) {
	node := ledger.NewMemory()
	r := resolve.New(node, newFingerprinter(t), resolve.Config{}, nil)

	rec := sampleRecord()
	rec.DOI = ""
	rec.Date = "March 2024"
	if _, err := r.Resolve(ctx, record.Ref{Record: rec}); !errors.Is(err, record.ErrInvalidDate) {
		t.Fatalf("err = %v, want ErrInvalidDate", err)
	}
}

func TestResolveCachesPositiveHits(t *testing.T) {
	node := ledger.NewMemory()
	fp := newFingerprinter(t)
	registerRecord(t, node, fp, sampleRecord())
	r := resolve.New(node, fp, resolve.Config{CacheTTL: time.Minute}, nil)

	ref := record.Ref{Record: &record.MetadataRecord{DOI: "10.1234/widgets.2024.001"}}
	id, err := r.Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}

	// Re-registering repoints the ledger index at a new document; the cache
	// still answers with the old id until invalidated.
	registerRecord(t, node, fp, sampleRecord())
	id, err = r.Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve(cached): %v", err)
	}
	if id != 1 {
		t.Errorf("cached id = %d, want 1", id)
	}
	if r.CacheSize() == 0 {
		t.Error("CacheSize = 0, want at least one entry")
	}

	r.Invalidate(sampleRecord())
	id, err = r.Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve(invalidated): %v", err)
	}
	if id != 2 {
		t.Errorf("id after invalidate = %d, want 2", id)
	}
}

func TestResolveCacheExpires(t *testing.T) {
	node := ledger.NewMemory()
	fp := newFingerprinter(t)
	registerRecord(t, node, fp, sampleRecord())
	r := resolve.New(node, fp, resolve.Config{CacheTTL: 10 * time.Millisecond}, nil)

	ref := record.Ref{Record: &record.MetadataRecord{DOI: "10.1234/widgets.2024.001"}}
	if _, err := r.Resolve(ctx, ref); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	registerRecord(t, node, fp, sampleRecord())

	time.Sleep(25 * time.Millisecond)
	id, err := r.Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve(expired): %v", err)
	}
	if id != 2 {
		t.Errorf("id after expiry = %d, want 2", id)
	}
}

func TestResolveMany(t *testing.T) {
	node := ledger.NewMemory()
	fp := newFingerprinter(t)
	registerRecord(t, node, fp, sampleRecord())
	r := resolve.New(node, fp, resolve.Config{}, nil)

	refs := []record.Ref{
		{ID: 7},
		{Record: &record.MetadataRecord{DOI: "10.1234/widgets.2024.001"}},
		{Record: &record.MetadataRecord{DOI: "10.5555/nobody"}},
		{},
	}
	results := r.ResolveMany(ctx, refs)
	if len(results) != len(refs) {
		t.Fatalf("got %d results, want %d", len(results), len(refs))
	}
	if results[0].ID != 7 || results[0].Err != nil {
		t.Errorf("results[0] = %+v, want id 7", results[0])
	}
	if results[1].ID != 1 || results[1].Err != nil {
		t.Errorf("results[1] = %+v, want id 1", results[1])
	}
	if !errors.Is(results[2].Err, ledger.ErrNotFound) {
		t.Errorf("results[2].Err = %v, want ErrNotFound", results[2].Err)
	}
	if !errors.Is(results[3].Err, resolve.ErrAmbiguousReference) {
		t.Errorf("results[3].Err = %v, want ErrAmbiguousReference", results[3].Err)
	}

	if got := r.ResolveMany(ctx, nil); got != nil {
		t.Errorf("ResolveMany(nil) = %v, want nil", got)
	}
}

func TestCacheEvictionLoop(t *testing.T) {
	node := ledger.NewMemory()
	fp := newFingerprinter(t)
	registerRecord(t, node, fp, sampleRecord())
	r := resolve.New(node, fp, resolve.Config{CacheTTL: time.Millisecond}, nil)

	if _, err := r.Resolve(ctx, record.Ref{Record: &record.MetadataRecord{DOI: "10.1234/widgets.2024.001"}}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	evictCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.StartCacheEviction(evictCtx, 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for r.CacheSize() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("expired entry never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
