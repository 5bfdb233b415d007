// Package registrar implements the registry workflow over one ledger: it
// registers record fingerprints, flips retraction state, edits by
// retract-and-reregister, and validates local content against committed
// roots.
//
// Documents move through Unregistered → Active → Retracted, and back to
// Active via unretract. Mutating calls go through the deployment's signing
// identity and are serialized with a mutex; reads run concurrently.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/citeledger/citeledger/internal/authz"
	"github.com/citeledger/citeledger/internal/dispatch"
	"github.com/citeledger/citeledger/internal/fingerprint"
	"github.com/citeledger/citeledger/internal/ledger"
	"github.com/citeledger/citeledger/internal/record"
	"github.com/citeledger/citeledger/internal/resolve"
)

// ErrPermissionDenied is returned when the caller cannot be tied to a
// principal holding the registrar capability.
var ErrPermissionDenied = errors.New("permission denied")

// DefaultCapability is the capability name required for mutations unless
// configuration overrides it.
const DefaultCapability = "registrar"

// SkippedAlreadyRetracted marks an edit that found the old document already
// retracted and submitted no retraction of its own.
const SkippedAlreadyRetracted = "skipped_already_retracted"

// Archiver persists fingerprint documents and full texts off-ledger,
// returning a content address. *archive.Store satisfies this interface.
type Archiver interface {
	StoreFingerprint(ctx context.Context, id uint64, rec *record.MetadataRecord, fp fingerprint.Wire) (string, error)
	StoreFulltext(ctx context.Context, id uint64, text []byte) (string, error)
}

// Config holds workflow configuration.
type Config struct {
	Capability         string // capability name for mutations; default "registrar"
	OperatingPrincipal string // deployment identity consulted when the caller's principal lacks the capability
	ChunkSize          int    // default fulltext chunk size; 0 = record.DefaultChunkSize
}

// Service is the registry workflow. archive may be nil to disable
// off-ledger archival.
type Service struct {
	fp       fingerprint.Fingerprinter
	client   ledger.Client
	dispatch *dispatch.Dispatcher
	resolver *resolve.Resolver
	auth     *authz.Authorizer
	archive  Archiver // nil = no archival
	cfg      Config
	logger   *zap.Logger

	// mu serializes mutating submissions from the signing identity so
	// retract+register sequences cannot interleave.
	mu sync.Mutex
}

// New creates a Service. A nil logger disables logging.
func New(fp fingerprint.Fingerprinter, client ledger.Client, disp *dispatch.Dispatcher, res *resolve.Resolver, auth *authz.Authorizer, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		fp:       fp,
		client:   client,
		dispatch: disp,
		resolver: res,
		auth:     auth,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetArchiver configures off-ledger archival of registered fingerprints.
func (s *Service) SetArchiver(a Archiver) {
	s.archive = a
}

// CheckedFields returns the field names the deployment's mode commits.
func (s *Service) CheckedFields() []string { return s.fp.CheckedFields() }

// RegisterRequest asks for a new document registration.
type RegisterRequest struct {
	Record    *record.MetadataRecord
	FullText  string
	ChunkSize int
	Assertion authz.Assertion
}

// RegisterResult reports a registration. In dry-run mode only the
// fingerprint fields are set; the fingerprint is bit-identical to what the
// committed path would have produced.
type RegisterResult struct {
	DocumentID    uint64           `json:"document_id,omitempty"`
	TxRef         ledger.TxRef     `json:"tx_ref,omitempty"`
	Fingerprint   fingerprint.Wire `json:"fingerprint"`
	CheckedFields []string         `json:"checked_fields"`
	DryRun        bool             `json:"dry_run"`
}

// Register commits a record's fingerprint to the ledger. When the ledger
// client has no signing capability the call degrades to a dry run: the
// fingerprint is computed and returned without touching the mutating
// surface, and that is a success, not an error.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	principal, err := s.requireCapability(ctx, req.Assertion)
	if err != nil {
		return nil, err
	}

	fpr, err := s.fp.Compute(req.Record, req.FullText, s.chunkSize(req.ChunkSize))
	if err != nil {
		return nil, err
	}
	res := &RegisterResult{
		Fingerprint:   fpr.Wire(),
		CheckedFields: s.fp.CheckedFields(),
	}

	if !s.client.CanSubmit() {
		res.DryRun = true
		registrationsTotal.WithLabelValues("dry_run").Inc()
		s.logger.Info("register dry run",
			zap.String("principal", principal),
			zap.String("hashed_identity", fpr.HashedIdentity.Hex()))
		return res, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.commitRegister(ctx, fpr)
	if err != nil {
		return nil, err
	}
	res.TxRef = ref
	res.DocumentID = s.lookupNewID(ctx, fpr)
	s.resolver.Invalidate(req.Record)
	s.archiveDocument(ctx, res.DocumentID, req.Record, fpr, req.FullText)

	registrationsTotal.WithLabelValues("committed").Inc()
	s.logger.Info("registered",
		zap.Uint64("document_id", res.DocumentID),
		zap.String("tx_ref", string(ref)),
		zap.String("principal", principal))
	return res, nil
}

// RetractionRequest flips a document's retraction flag.
type RetractionRequest struct {
	Ref       record.Ref
	Retract   bool
	Assertion authz.Assertion
}

// RetractionResult reports a retraction-state change.
type RetractionResult struct {
	DocumentID uint64       `json:"document_id"`
	TxRef      ledger.TxRef `json:"tx_ref"`
	Retracted  bool         `json:"retracted"`
}

// SetRetraction resolves the reference and sets its retraction flag in the
// requested direction.
func (s *Service) SetRetraction(ctx context.Context, req RetractionRequest) (*RetractionResult, error) {
	if _, err := s.requireCapability(ctx, req.Assertion); err != nil {
		return nil, err
	}
	id, err := s.resolver.Resolve(ctx, req.Ref)
	if err != nil {
		return nil, err
	}
	if err := s.requireSubmit(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.commitFlag(ctx, id, req.Retract)
	if err != nil {
		return nil, err
	}
	direction := "retract"
	if !req.Retract {
		direction = "unretract"
	}
	retractionsTotal.WithLabelValues(direction).Inc()
	s.logger.Info("retraction state changed",
		zap.Uint64("document_id", id),
		zap.Bool("retracted", req.Retract),
		zap.String("tx_ref", string(ref)))
	return &RetractionResult{DocumentID: id, TxRef: ref, Retracted: req.Retract}, nil
}

// StatusResult reports a document's current retraction state.
type StatusResult struct {
	DocumentID uint64 `json:"document_id"`
	Retracted  bool   `json:"retracted"`
}

// QueryRetraction resolves the reference and reads its retraction flag.
// No capability is required: this is a pure read.
func (s *Service) QueryRetraction(ctx context.Context, ref record.Ref) (*StatusResult, error) {
	id, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	st, err := s.client.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusResult{DocumentID: id, Retracted: st.Retracted}, nil
}

// EditRequest replaces a document: the old one is retracted (unless it
// already is) and the new content is registered as a fresh document.
type EditRequest struct {
	OldRef    record.Ref
	Record    *record.MetadataRecord
	FullText  string
	ChunkSize int
	Assertion authz.Assertion
}

// EditResult reports an edit. RetractionRef carries either the retraction
// transaction reference or the SkippedAlreadyRetracted marker.
type EditResult struct {
	OldDocumentID   uint64           `json:"old_document_id"`
	NewDocumentID   uint64           `json:"new_document_id,omitempty"`
	RetractionRef   string           `json:"retraction_ref"`
	RegistrationRef ledger.TxRef     `json:"registration_ref"`
	Fingerprint     fingerprint.Wire `json:"fingerprint"`
}

// Edit retracts the old document and registers the new content. The new
// fingerprint is computed up front so an invalid replacement never
// retracts anything; a retraction failure aborts before registration.
func (s *Service) Edit(ctx context.Context, req EditRequest) (*EditResult, error) {
	if _, err := s.requireCapability(ctx, req.Assertion); err != nil {
		return nil, err
	}
	fpr, err := s.fp.Compute(req.Record, req.FullText, s.chunkSize(req.ChunkSize))
	if err != nil {
		return nil, err
	}
	oldID, err := s.resolver.Resolve(ctx, req.OldRef)
	if err != nil {
		return nil, err
	}
	st, err := s.client.GetRecord(ctx, oldID)
	if err != nil {
		return nil, err
	}
	if err := s.requireSubmit(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := &EditResult{OldDocumentID: oldID, Fingerprint: fpr.Wire()}
	if st.Retracted {
		res.RetractionRef = SkippedAlreadyRetracted
	} else {
		ref, err := s.commitFlag(ctx, oldID, true)
		if err != nil {
			return nil, fmt.Errorf("retract document %d: %w", oldID, err)
		}
		res.RetractionRef = string(ref)
	}

	ref, err := s.commitRegister(ctx, fpr)
	if err != nil {
		return nil, err
	}
	res.RegistrationRef = ref
	res.NewDocumentID = s.lookupNewID(ctx, fpr)
	s.resolver.Invalidate(req.OldRef.Record)
	s.resolver.Invalidate(req.Record)
	s.archiveDocument(ctx, res.NewDocumentID, req.Record, fpr, req.FullText)

	editsTotal.Inc()
	s.logger.Info("edited",
		zap.Uint64("old_document_id", oldID),
		zap.Uint64("new_document_id", res.NewDocumentID),
		zap.String("retraction_ref", res.RetractionRef))
	return res, nil
}

// ValidateRequest checks local content against committed roots. Ref may
// name the document explicitly; when empty the record itself resolves.
type ValidateRequest struct {
	Ref       record.Ref
	Record    *record.MetadataRecord
	FullText  string
	ChunkSize int
}

// RootPair carries a metadata/fulltext root pair in wire form.
type RootPair struct {
	MetadataRoot string `json:"metadata_root"`
	FulltextRoot string `json:"fulltext_root"`
}

// ValidateResult is a per-root match report. A mismatch is a normal
// result, never an error.
type ValidateResult struct {
	DocumentID    uint64   `json:"document_id"`
	MetadataMatch bool     `json:"metadata_match"`
	FulltextMatch bool     `json:"fulltext_match"`
	Retracted     bool     `json:"retracted"`
	Local         RootPair `json:"local"`
	Stored        RootPair `json:"stored"`
	CheckedFields []string `json:"checked_fields"`
}

// Validate recomputes the fingerprint locally and compares it against the
// committed record state.
func (s *Service) Validate(ctx context.Context, req ValidateRequest) (*ValidateResult, error) {
	fpr, err := s.fp.Compute(req.Record, req.FullText, s.chunkSize(req.ChunkSize))
	if err != nil {
		return nil, err
	}
	ref := req.Ref
	if ref.IsEmpty() {
		ref = record.Ref{Record: req.Record}
	}
	id, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	st, err := s.client.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &ValidateResult{
		DocumentID:    id,
		MetadataMatch: fpr.MetadataRoot == st.MetadataRoot,
		FulltextMatch: fpr.FulltextRoot == st.FulltextRoot,
		Retracted:     st.Retracted,
		Local:         RootPair{MetadataRoot: fpr.MetadataRoot.Hex(), FulltextRoot: fpr.FulltextRoot.Hex()},
		Stored:        RootPair{MetadataRoot: st.MetadataRoot.Hex(), FulltextRoot: st.FulltextRoot.Hex()},
		CheckedFields: s.fp.CheckedFields(),
	}
	verdict := "mismatch"
	if res.MetadataMatch && res.FulltextMatch {
		verdict = "match"
	}
	validationsTotal.WithLabelValues(verdict).Inc()
	return res, nil
}

// requireCapability verifies the assertion and checks that its principal,
// or failing that the configured operating principal, holds the registrar
// capability.
func (s *Service) requireCapability(ctx context.Context, as authz.Assertion) (string, error) {
	principal, err := s.auth.Verify(as)
	if err != nil {
		if errors.Is(err, authz.ErrUnsupportedScheme) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	name := s.capabilityName()
	ok, err := s.dispatch.HasCapability(ctx, principal, name)
	if err != nil {
		return "", err
	}
	if !ok && s.cfg.OperatingPrincipal != "" && s.cfg.OperatingPrincipal != principal {
		ok, err = s.dispatch.HasCapability(ctx, s.cfg.OperatingPrincipal, name)
		if err != nil {
			return "", err
		}
	}
	if !ok {
		return "", fmt.Errorf("%w: principal %q does not hold the %q capability", ErrPermissionDenied, principal, name)
	}
	return principal, nil
}

func (s *Service) capabilityName() string {
	if s.cfg.Capability != "" {
		return s.cfg.Capability
	}
	return DefaultCapability
}

func (s *Service) chunkSize(requested int) int {
	if requested != 0 {
		return requested
	}
	return s.cfg.ChunkSize
}

func (s *Service) requireSubmit() error {
	if !s.client.CanSubmit() {
		return fmt.Errorf("%w: ledger client cannot submit transactions", ledger.ErrCallFailed)
	}
	return nil
}

// commitRegister finds the register operation, submits the four fingerprint
// hashes and waits for settlement. Callers hold s.mu.
func (s *Service) commitRegister(ctx context.Context, fpr fingerprint.Fingerprint) (ledger.TxRef, error) {
	desc, err := s.dispatch.FindOperation(ctx, dispatch.IntentRegister)
	if err != nil {
		return "", err
	}
	ref, err := s.client.Submit(ctx, desc.Name,
		ledger.HashArg(fpr.HashedIdentity),
		ledger.HashArg(fpr.HashedTriple),
		ledger.HashArg(fpr.MetadataRoot),
		ledger.HashArg(fpr.FulltextRoot))
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", desc.Name, err)
	}
	if err := s.client.Await(ctx, ref); err != nil {
		return "", fmt.Errorf("await %s: %w", desc.Name, err)
	}
	return ref, nil
}

// commitFlag finds the direction's operation and invokes it shape-adapted.
// Callers hold s.mu.
func (s *Service) commitFlag(ctx context.Context, id uint64, retract bool) (ledger.TxRef, error) {
	intent := dispatch.IntentRetract
	if !retract {
		intent = dispatch.IntentUnretract
	}
	desc, err := s.dispatch.FindOperation(ctx, intent)
	if err != nil {
		return "", err
	}
	ref, err := s.dispatch.Invoke(ctx, desc, id, retract)
	if err != nil {
		return "", err
	}
	if err := s.client.Await(ctx, ref); err != nil {
		return "", fmt.Errorf("await %s: %w", desc.Name, err)
	}
	return ref, nil
}

// lookupNewID resolves the just-registered document by identity hash. The
// registration already settled, so a lookup failure is logged rather than
// turned into an error; callers see id 0.
func (s *Service) lookupNewID(ctx context.Context, fpr fingerprint.Fingerprint) uint64 {
	id, err := s.client.IDByIdentity(ctx, fpr.HashedIdentity)
	if err != nil {
		s.logger.Warn("post-registration id lookup failed (non-fatal)",
			zap.String("hashed_identity", fpr.HashedIdentity.Hex()),
			zap.Error(err))
		return 0
	}
	return id
}

// archiveDocument stores the fingerprint document and full text off-ledger
// in a non-fatal manner.
func (s *Service) archiveDocument(ctx context.Context, id uint64, rec *record.MetadataRecord, fpr fingerprint.Fingerprint, fullText string) {
	if s.archive == nil {
		return
	}
	if _, err := s.archive.StoreFingerprint(ctx, id, rec, fpr.Wire()); err != nil {
		archiveFailuresTotal.Inc()
		s.logger.Error("archive fingerprint failed (non-fatal)",
			zap.Uint64("document_id", id),
			zap.Error(err))
	}
	if fullText == "" {
		return
	}
	if _, err := s.archive.StoreFulltext(ctx, id, []byte(fullText)); err != nil {
		archiveFailuresTotal.Inc()
		s.logger.Error("archive fulltext failed (non-fatal)",
			zap.Uint64("document_id", id),
			zap.Error(err))
	}
}
