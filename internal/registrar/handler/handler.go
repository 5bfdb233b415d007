package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/citeledger/citeledger/internal/authz"
	"github.com/citeledger/citeledger/internal/dispatch"
	"github.com/citeledger/citeledger/internal/health"
	"github.com/citeledger/citeledger/internal/ledger"
	"github.com/citeledger/citeledger/internal/record"
	"github.com/citeledger/citeledger/internal/registrar"
	"github.com/citeledger/citeledger/internal/resolve"
	"github.com/citeledger/citeledger/pkg/docref"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Info is the service banner served on GET /.
type Info struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Mode    string `json:"mode"`
	Digest  string `json:"digest"`
}

// Handler serves the registrar workflow over HTTP.
type Handler struct {
	svc     *registrar.Service
	client  ledger.Client   // operation listing for diagnostics
	checker *health.Checker // nil = report liveness only
	info    Info
	logger  *zap.Logger
}

// New creates a Handler. A nil logger disables logging.
func New(svc *registrar.Service, client ledger.Client, checker *health.Checker, info Info, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, client: client, checker: checker, info: info, logger: logger}
}

// Register mounts the workflow routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/register", h.RegisterDocument)
	retraction := rg.Group("/retraction")
	{
		retraction.POST("/set", h.SetRetraction)
		retraction.POST("/status", h.RetractionStatus)
	}
	rg.POST("/edit", h.Edit)
	rg.POST("/validate", h.Validate)
	rg.GET("/status", h.Status)
	rg.GET("/ledger/operations", h.Operations)
}

// registerWire is the register request body. Record and Metadata are the
// canonical and legacy spellings of the same field; Record wins.
type registerWire struct {
	Record    *record.WireMetadata `json:"record"`
	Metadata  *record.WireMetadata `json:"metadata"` // legacy spelling
	FullText  string               `json:"full_text"`
	ChunkSize int                  `json:"chunk_size"`
	Assertion authz.Assertion      `json:"assertion"`
}

func (w *registerWire) record() *record.MetadataRecord {
	if w.Record != nil {
		return w.Record.Record()
	}
	return w.Metadata.Record()
}

// RegisterDocument handles POST /register.
func (h *Handler) RegisterDocument(c *gin.Context) {
	var req registerWire
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.Register(c.Request.Context(), registrar.RegisterRequest{
		Record:    req.record(),
		FullText:  req.FullText,
		ChunkSize: req.ChunkSize,
		Assertion: req.Assertion,
	})
	if err != nil {
		h.fail(c, "register", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// retractionWire is the retraction/set request body. Retract is a pointer
// so a body that omits the flag fails instead of silently unretracting.
type retractionWire struct {
	Ref       string          `json:"ref"`
	Retract   *bool           `json:"retract"`
	Assertion authz.Assertion `json:"assertion"`
}

// SetRetraction handles POST /retraction/set.
func (h *Handler) SetRetraction(c *gin.Context) {
	var req retractionWire
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Retract == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "retract flag missing"})
		return
	}
	ref, err := docref.Parse(req.Ref)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.SetRetraction(c.Request.Context(), registrar.RetractionRequest{
		Ref:       ref,
		Retract:   *req.Retract,
		Assertion: req.Assertion,
	})
	if err != nil {
		h.fail(c, "set retraction", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RetractionStatus handles POST /retraction/status, the body-based twin of
// GET /status for refs that do not fit in a query string.
func (h *Handler) RetractionStatus(c *gin.Context) {
	var req struct {
		Ref string `json:"ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ref, err := docref.Parse(req.Ref)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.QueryRetraction(c.Request.Context(), ref)
	if err != nil {
		h.fail(c, "query retraction", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// editWire is the edit request body.
type editWire struct {
	OldRef    string               `json:"old_ref"`
	Record    *record.WireMetadata `json:"record"`
	Metadata  *record.WireMetadata `json:"metadata"` // legacy spelling
	FullText  string               `json:"full_text"`
	ChunkSize int                  `json:"chunk_size"`
	Assertion authz.Assertion      `json:"assertion"`
}

func (w *editWire) record() *record.MetadataRecord {
	if w.Record != nil {
		return w.Record.Record()
	}
	return w.Metadata.Record()
}

// Edit handles POST /edit.
func (h *Handler) Edit(c *gin.Context) {
	var req editWire
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	oldRef, err := docref.Parse(req.OldRef)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.Edit(c.Request.Context(), registrar.EditRequest{
		OldRef:    oldRef,
		Record:    req.record(),
		FullText:  req.FullText,
		ChunkSize: req.ChunkSize,
		Assertion: req.Assertion,
	})
	if err != nil {
		h.fail(c, "edit", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// validateWire is the validate request body. Ref is optional; when empty
// the record itself names the document.
type validateWire struct {
	Ref       string               `json:"ref"`
	Record    *record.WireMetadata `json:"record"`
	Metadata  *record.WireMetadata `json:"metadata"` // legacy spelling
	FullText  string               `json:"full_text"`
	ChunkSize int                  `json:"chunk_size"`
}

func (w *validateWire) record() *record.MetadataRecord {
	if w.Record != nil {
		return w.Record.Record()
	}
	return w.Metadata.Record()
}

// Validate handles POST /validate.
func (h *Handler) Validate(c *gin.Context) {
	var req validateWire
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var ref record.Ref
	if strings.TrimSpace(req.Ref) != "" {
		var err error
		if ref, err = docref.Parse(req.Ref); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	res, err := h.svc.Validate(c.Request.Context(), registrar.ValidateRequest{
		Ref:       ref,
		Record:    req.record(),
		FullText:  req.FullText,
		ChunkSize: req.ChunkSize,
	})
	if err != nil {
		h.fail(c, "validate", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Status handles GET /status. The document is named by ?id=, by ?doi=, or
// by ?title=&authors=&date= with authors comma-separated.
func (h *Handler) Status(c *gin.Context) {
	ref, err := queryRef(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.QueryRetraction(c.Request.Context(), ref)
	if err != nil {
		h.fail(c, "query status", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func queryRef(c *gin.Context) (record.Ref, error) {
	if raw := c.Query("id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			return record.Ref{}, fmt.Errorf("document id %q is not a positive integer", raw)
		}
		return record.Ref{ID: id}, nil
	}
	if doi := strings.TrimSpace(c.Query("doi")); doi != "" {
		return record.Ref{Record: &record.MetadataRecord{DOI: doi}}, nil
	}
	title := strings.TrimSpace(c.Query("title"))
	authors := record.SplitAuthors(c.Query("authors"))
	date := strings.TrimSpace(c.Query("date"))
	if title == "" || len(authors) == 0 || date == "" {
		return record.Ref{}, errors.New("name the document with id, doi, or title+authors+date")
	}
	return record.Ref{Record: &record.MetadataRecord{Title: title, Authors: authors, Date: date}}, nil
}

// Operations handles GET /ledger/operations, a diagnostic view of what the
// connected node advertises.
func (h *Handler) Operations(c *gin.Context) {
	ops, err := h.client.Operations(c.Request.Context())
	if err != nil {
		h.fail(c, "list ledger operations", err)
		return
	}
	if ops == nil {
		ops = []ledger.OperationDescriptor{}
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

// Healthz reports liveness plus dependency readiness. Mounted at the
// server root rather than under the versioned group so load balancers can
// reach it unversioned.
func (h *Handler) Healthz(c *gin.Context) {
	if h.checker == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusOK})
		return
	}
	res := h.checker.Check(c.Request.Context())
	code := http.StatusOK
	if res.Status != health.StatusOK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, res)
}

// Banner handles GET /, the service identity banner.
func (h *Handler) Banner(c *gin.Context) {
	c.JSON(http.StatusOK, h.info)
}

// statusFor maps workflow errors onto HTTP status codes. Anything unmapped
// is internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, record.ErrInvalidDate),
		errors.Is(err, record.ErrMissingField),
		errors.Is(err, record.ErrInvalidChunkSize),
		errors.Is(err, resolve.ErrAmbiguousReference),
		errors.Is(err, authz.ErrUnsupportedScheme):
		return http.StatusBadRequest
	case errors.Is(err, registrar.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrNoCompatibleOperation):
		return http.StatusNotImplemented
	case errors.Is(err, ledger.ErrCallFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the mapped error response. Mapped errors carry their own
// text; an unmapped error logs the detail and reports a generic message.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(op, zap.Error(err))
	}
	if code == http.StatusInternalServerError {
		c.JSON(code, gin.H{"error": op + " failed"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
