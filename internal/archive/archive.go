// Package archive is the local off-ledger audit store for registered
// documents. Entries are content-addressed by CIDv1 (raw codec, sha2-256
// multihash), so identical content archives once and every read verifies
// its address. Fingerprint documents are stored as JSON, full texts
// zstd-compressed.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-multihash"
	"go.uber.org/zap"

	"github.com/citeledger/citeledger/internal/fingerprint"
	"github.com/citeledger/citeledger/internal/record"
)

var (
	// ErrNotFound is returned when no entry exists under an address.
	ErrNotFound = errors.New("not archived")

	// ErrMismatch is returned when stored content no longer matches its
	// address.
	ErrMismatch = errors.New("archived content does not match its address")
)

// Document is the archived rendering of one registration: the ledger id it
// settled under, the metadata exactly as entered, and the committed
// fingerprint.
type Document struct {
	DocumentID  uint64                 `json:"document_id"`
	Metadata    *record.MetadataRecord `json:"metadata"`
	Fingerprint fingerprint.Wire       `json:"fingerprint"`
}

// Shared zstd coders; both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// Store is a filesystem archive rooted at a directory. Objects are
// immutable once written.
type Store struct {
	root   string
	logger *zap.Logger
}

// New constructs a Store rooted at root, creating its directories if
// needed.
func New(root string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("archive: root directory is required")
	}
	for _, dir := range []string{filepath.Join(root, "fingerprints"), filepath.Join(root, "fulltext")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: root, logger: logger}, nil
}

// StoreFingerprint archives the fingerprint document for a registered
// ledger id and returns its content address.
func (s *Store) StoreFingerprint(_ context.Context, id uint64, rec *record.MetadataRecord, fp fingerprint.Wire) (string, error) {
	body, err := json.Marshal(Document{DocumentID: id, Metadata: rec, Fingerprint: fp})
	if err != nil {
		return "", fmt.Errorf("encode fingerprint document: %w", err)
	}
	addr, err := contentID(body)
	if err != nil {
		return "", fmt.Errorf("derive content id: %w", err)
	}
	if err := s.writeObject("fingerprints", addr, ".json", body); err != nil {
		return "", err
	}
	s.logger.Debug("fingerprint archived",
		zap.Uint64("document_id", id),
		zap.String("cid", addr.String()))
	return addr.String(), nil
}

// StoreFulltext archives a document's full text zstd-compressed. The
// address is derived from the uncompressed text, so the same text always
// archives to the same place regardless of compression settings.
func (s *Store) StoreFulltext(_ context.Context, id uint64, text []byte) (string, error) {
	addr, err := contentID(text)
	if err != nil {
		return "", fmt.Errorf("derive content id: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(text, nil)
	if err := s.writeObject("fulltext", addr, ".zst", compressed); err != nil {
		return "", err
	}
	s.logger.Debug("fulltext archived",
		zap.Uint64("document_id", id),
		zap.String("cid", addr.String()),
		zap.Int("raw_bytes", len(text)),
		zap.Int("stored_bytes", len(compressed)))
	return addr.String(), nil
}

// LoadFingerprint reads an archived fingerprint document back by address
// and verifies it.
func (s *Store) LoadFingerprint(ref string) (*Document, error) {
	addr, err := cid.Decode(ref)
	if err != nil || !addr.Defined() {
		return nil, fmt.Errorf("malformed archive address %q", ref)
	}
	body, err := s.readObject("fingerprints", addr, ".json")
	if err != nil {
		return nil, err
	}
	got, err := contentID(body)
	if err != nil {
		return nil, fmt.Errorf("derive content id: %w", err)
	}
	if got != addr {
		return nil, fmt.Errorf("fingerprint %s: %w", ref, ErrMismatch)
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode fingerprint document: %w", err)
	}
	return &doc, nil
}

// LoadFulltext reads an archived full text back by address, decompresses
// it and verifies it.
func (s *Store) LoadFulltext(ref string) ([]byte, error) {
	addr, err := cid.Decode(ref)
	if err != nil || !addr.Defined() {
		return nil, fmt.Errorf("malformed archive address %q", ref)
	}
	compressed, err := s.readObject("fulltext", addr, ".zst")
	if err != nil {
		return nil, err
	}
	text, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress fulltext: %w", err)
	}
	got, err := contentID(text)
	if err != nil {
		return nil, fmt.Errorf("derive content id: %w", err)
	}
	if got != addr {
		return nil, fmt.Errorf("fulltext %s: %w", ref, ErrMismatch)
	}
	return text, nil
}

// Ping verifies the archive root is writable. Used by health probes.
func (s *Store) Ping(_ context.Context) error {
	f, err := os.CreateTemp(s.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("archive not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// writeObject persists body under kind/shard/cid+ext. Objects are
// immutable; an existing file under the same address is the same content
// and is left untouched.
func (s *Store) writeObject(kind string, addr cid.Cid, ext string, body []byte) error {
	path := s.objectPath(kind, addr, ext)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("create archive object: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write archive object: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("sync archive object: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close archive object: %w", err)
	}
	return nil
}

func (s *Store) readObject(kind string, addr cid.Cid, ext string) ([]byte, error) {
	body, err := os.ReadFile(s.objectPath(kind, addr, ext))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", addr.String(), ErrNotFound)
		}
		return nil, fmt.Errorf("read archive object: %w", err)
	}
	return body, nil
}

func (s *Store) objectPath(kind string, addr cid.Cid, ext string) string {
	name := addr.String()
	return filepath.Join(s.root, kind, name[:2], name+ext)
}

// contentID derives a CIDv1 with the raw multicodec and a sha2-256
// multihash.
func contentID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}
