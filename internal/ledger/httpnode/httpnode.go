// Package httpnode exposes any ledger.Client over the JSON protocol the
// ledger.HTTPClient dials. Production deployments put it in front of a
// Postgres node; cmd/devledger serves a Memory node with it.
package httpnode

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/citeledger/citeledger/internal/ledger"
	"github.com/citeledger/citeledger/internal/merkle"
)

// Handler serves the ledger node protocol.
type Handler struct {
	client ledger.Client
	logger *zap.Logger
}

// New creates a Handler. A nil logger disables logging.
func New(client ledger.Client, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{client: client, logger: logger}
}

// Register mounts the node routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("/operations", h.Operations)
		l.GET("/identity/:hash", h.IDByIdentity)
		l.GET("/triple/:hash", h.IDByTriple)
		l.GET("/records/:id", h.GetRecord)
		l.GET("/capabilities/:name", h.Capability)
		l.GET("/grants", h.HasCapability)
		l.GET("/can-submit", h.CanSubmit)
		l.POST("/transactions", h.Submit)
		l.POST("/transactions/:ref/await", h.Await)
	}
}

// Operations handles GET /ledger/operations.
func (h *Handler) Operations(c *gin.Context) {
	ops, err := h.client.Operations(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ledger.OperationsResponse{Operations: ops})
}

// IDByIdentity handles GET /ledger/identity/:hash.
func (h *Handler) IDByIdentity(c *gin.Context) {
	hash, ok := h.paramHash(c)
	if !ok {
		return
	}
	id, err := h.client.IDByIdentity(c.Request.Context(), hash)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ledger.IDResponse{ID: id})
}

// IDByTriple handles GET /ledger/triple/:hash.
func (h *Handler) IDByTriple(c *gin.Context) {
	hash, ok := h.paramHash(c)
	if !ok {
		return
	}
	id, err := h.client.IDByTriple(c.Request.Context(), hash)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ledger.IDResponse{ID: id})
}

// GetRecord handles GET /ledger/records/:id.
func (h *Handler) GetRecord(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ledger.ErrorResponse{Error: "id must be an unsigned integer"})
		return
	}
	st, err := h.client.GetRecord(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Capability handles GET /ledger/capabilities/:name.
func (h *Handler) Capability(c *gin.Context) {
	id, err := h.client.Capability(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ledger.CapabilityResponse{ID: id})
}

// HasCapability handles GET /ledger/grants?principal=…&capability=0x….
func (h *Handler) HasCapability(c *gin.Context) {
	principal := c.Query("principal")
	if principal == "" {
		c.JSON(http.StatusBadRequest, ledger.ErrorResponse{Error: "principal is required"})
		return
	}
	capability, err := merkle.ParseHex(c.Query("capability"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ledger.ErrorResponse{Error: "capability: " + err.Error()})
		return
	}
	granted, err := h.client.HasCapability(c.Request.Context(), principal, capability)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ledger.GrantResponse{Granted: granted})
}

// CanSubmit handles GET /ledger/can-submit.
func (h *Handler) CanSubmit(c *gin.Context) {
	c.JSON(http.StatusOK, ledger.CanSubmitResponse{CanSubmit: h.client.CanSubmit()})
}

// Submit handles POST /ledger/transactions.
func (h *Handler) Submit(c *gin.Context) {
	var req ledger.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ledger.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	ref, err := h.client.Submit(c.Request.Context(), req.Op, req.Args...)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("transaction accepted", zap.String("op", req.Op), zap.String("tx_ref", string(ref)))
	c.JSON(http.StatusAccepted, ledger.SubmitResponse{TxRef: ref})
}

// Await handles POST /ledger/transactions/:ref/await.
func (h *Handler) Await(c *gin.Context) {
	if err := h.client.Await(c.Request.Context(), ledger.TxRef(c.Param("ref"))); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ledger.AwaitResponse{Settled: true})
}

// fail maps client errors onto protocol status codes: missing state is 404,
// rejected calls are 409, anything else is a 502 from the backing node.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, ledger.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ledger.ErrCallFailed):
		c.JSON(http.StatusConflict, ledger.ErrorResponse{Error: err.Error()})
	default:
		h.logger.Error("ledger backend failure", zap.Error(err))
		c.JSON(http.StatusBadGateway, ledger.ErrorResponse{Error: err.Error()})
	}
}

func (h *Handler) paramHash(c *gin.Context) (merkle.Hash, bool) {
	hash, err := merkle.ParseHex(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ledger.ErrorResponse{Error: "hash: " + err.Error()})
		return merkle.Hash{}, false
	}
	return hash, true
}
