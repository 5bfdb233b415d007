// Package resolve translates document references into ledger document ids.
//
// A reference can name a document three ways, in precedence order: an
// opaque ledger id, a DOI, or the full title+authors+date triple. Lookups
// go through the deployment's fingerprint hashes, so resolution and
// registration can never disagree about identity. Positive hits may be
// cached in-memory with a configurable TTL to reduce ledger load.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/citeledger/citeledger/internal/fingerprint"
	"github.com/citeledger/citeledger/internal/ledger"
	"github.com/citeledger/citeledger/internal/record"
)

// ErrAmbiguousReference is returned when a reference carries neither an id,
// nor a DOI, nor a complete title+authors+date triple.
var ErrAmbiguousReference = errors.New("ambiguous document reference")

// Config holds resolver configuration.
type Config struct {
	CacheTTL time.Duration // 0 disables caching
}

// Resolver resolves references against one ledger.
type Resolver struct {
	client ledger.Client
	fp     fingerprint.Fingerprinter
	cache  *idCache
	logger *zap.Logger
}

// New creates a Resolver. A nil logger disables logging.
func New(client ledger.Client, fp fingerprint.Fingerprinter, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{client: client, fp: fp, logger: logger}
	if cfg.CacheTTL > 0 {
		r.cache = newIDCache(cfg.CacheTTL)
	}
	return r
}

// Resolve returns the document id a reference points at.
//
// An explicit id wins outright and is used as given. Otherwise the DOI
// route is tried first, then the triple route; the first non-zero id wins.
// When every available route comes back zero the document does not exist
// on this ledger and the error wraps ledger.ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, ref record.Ref) (uint64, error) {
	if ref.ID != 0 {
		return ref.ID, nil
	}
	rec := ref.Record
	hasDOI, hasTriple := rec.HasDOI(), rec.HasTriple()
	if !hasDOI && !hasTriple {
		return 0, fmt.Errorf("%w: need an id, a doi, or title+authors+date", ErrAmbiguousReference)
	}

	if hasDOI {
		hash := r.fp.HashedIdentity(rec.DOI)
		key := "doi:" + hash.Hex()
		if id, ok := r.cacheGet(key); ok {
			return id, nil
		}
		id, err := r.client.IDByIdentity(ctx, hash)
		if err != nil {
			return 0, fmt.Errorf("identity lookup: %w", err)
		}
		if id != 0 {
			r.cacheSet(key, id)
			r.logger.Debug("resolved by identity", zap.String("doi", rec.DOI), zap.Uint64("id", id))
			return id, nil
		}
	}

	if hasTriple {
		hash, err := r.fp.HashedTriple(rec)
		if err != nil {
			return 0, err
		}
		key := "triple:" + hash.Hex()
		if id, ok := r.cacheGet(key); ok {
			return id, nil
		}
		id, err := r.client.IDByTriple(ctx, hash)
		if err != nil {
			return 0, fmt.Errorf("triple lookup: %w", err)
		}
		if id != 0 {
			r.cacheSet(key, id)
			r.logger.Debug("resolved by triple", zap.String("title", rec.Title), zap.Uint64("id", id))
			return id, nil
		}
	}

	return 0, fmt.Errorf("no document matches the reference: %w", ledger.ErrNotFound)
}

// Result is one outcome of a batch resolve. Err carries per-reference
// failures as values so the batch as a whole never aborts.
type Result struct {
	ID  uint64
	Err error
}

// ResolveMany fans out concurrent Resolve calls for each reference,
// collecting results in input order.
func (r *Resolver) ResolveMany(ctx context.Context, refs []record.Ref) []Result {
	if len(refs) == 0 {
		return nil
	}

	type indexedResult struct {
		idx int
		res Result
	}

	resultCh := make(chan indexedResult, len(refs))
	for i, ref := range refs {
		go func() {
			id, err := r.Resolve(ctx, ref)
			resultCh <- indexedResult{idx: i, res: Result{ID: id, Err: err}}
		}()
	}

	results := make([]Result, len(refs))
	for range refs {
		ir := <-resultCh
		results[ir.idx] = ir.res
	}
	return results
}

// Invalidate drops any cached ids for the record's identifiers. Called
// after an edit re-registers a document so the old id stops resolving.
func (r *Resolver) Invalidate(rec *record.MetadataRecord) {
	if r.cache == nil || rec == nil {
		return
	}
	if rec.HasDOI() {
		r.cache.invalidate("doi:" + r.fp.HashedIdentity(rec.DOI).Hex())
	}
	if rec.HasTriple() {
		if hash, err := r.fp.HashedTriple(rec); err == nil {
			r.cache.invalidate("triple:" + hash.Hex())
		}
	}
}

// CacheSize returns the current cache size (for metrics/health).
func (r *Resolver) CacheSize() int {
	if r.cache == nil {
		return 0
	}
	return r.cache.len()
}

// StartCacheEviction starts a background goroutine that periodically evicts
// expired cache entries. Cancel the context to stop it.
func (r *Resolver) StartCacheEviction(ctx context.Context, interval time.Duration) {
	if r.cache == nil {
		return
	}
	if interval == 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := r.cache.evict(); n > 0 {
					r.logger.Debug("cache eviction", zap.Int("evicted", n))
				}
			}
		}
	}()
}

func (r *Resolver) cacheGet(key string) (uint64, bool) {
	if r.cache == nil {
		return 0, false
	}
	id, ok := r.cache.get(key)
	if ok {
		r.logger.Debug("cache hit", zap.String("key", key))
	}
	return id, ok
}

func (r *Resolver) cacheSet(key string, id uint64) {
	if r.cache != nil {
		r.cache.set(key, id)
	}
}
