package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/privacychain/internal/auth"
	"github.com/jmerrifield20/privacychain/internal/tracking/model"
	"github.com/jmerrifield20/privacychain/internal/tracking/service"
)

// TrackingHandler exposes the tracking coordinator over HTTP.
type TrackingHandler struct {
	svc    *service.Coordinator
	tokens *auth.TokenIssuer // nil = open mode, no bearer token required
	logger *zap.Logger
}

// NewTrackingHandler creates a new TrackingHandler.
// tokens may be nil to disable bearer-token auth.
func NewTrackingHandler(svc *service.Coordinator, tokens *auth.TokenIssuer, logger *zap.Logger) *TrackingHandler {
	return &TrackingHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the tracking, anonymization and on-chain routes.
func (h *TrackingHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/ledgers", h.Ledgers)

	protected := rg.Group("", auth.RequireToken(h.tokens))

	tracking := protected.Group("/tracking")
	{
		tracking.POST("/index", h.Index)
		tracking.POST("/index-secure", h.IndexSecure)
		tracking.POST("/unindex", h.Unindex)
		tracking.POST("/remove", h.Remove)
		tracking.POST("/rectify", h.Rectify)
		tracking.POST("/verify", h.Verify)
		tracking.GET("", h.List)
		tracking.GET("/:id", h.Get)
	}
	protected.GET("/locators/:locator", h.ListForLocator)

	anon := protected.Group("/anonymize")
	{
		anon.POST("/simple", h.SimpleAnonymize)
		anon.POST("/secure", h.SecureAnonymize)
		anon.POST("/verify", h.VerifyAnonymize)
	}

	onchain := protected.Group("/onchain")
	{
		onchain.POST("", h.RegisterOnChain)
		onchain.GET("/:ref", h.GetOnChain)
	}
}

// Ledgers handles GET /ledgers and reports the configured ledgers and defaults.
func (h *TrackingHandler) Ledgers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ledgers":             h.svc.Ledgers(),
		"default_ledger":      h.svc.DefaultLedger(),
		"default_hash_method": h.svc.DefaultHashMethod(),
	})
}

// Index handles POST /tracking/index.
func (h *TrackingHandler) Index(c *gin.Context) {
	var req model.IndexRequest
	if !h.bind(c, &req) {
		return
	}
	rec, err := h.svc.Index(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// IndexSecure handles POST /tracking/index-secure. The response carries the
// salt used so the caller can verify later.
func (h *TrackingHandler) IndexSecure(c *gin.Context) {
	var req model.IndexRequest
	if !h.bind(c, &req) {
		return
	}
	rec, err := h.svc.IndexSecure(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// Unindex handles POST /tracking/unindex.
func (h *TrackingHandler) Unindex(c *gin.Context) {
	var req model.UnindexRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.Unindex(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Remove handles POST /tracking/remove.
func (h *TrackingHandler) Remove(c *gin.Context) {
	var req model.UnindexRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.Remove(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Rectify handles POST /tracking/rectify.
func (h *TrackingHandler) Rectify(c *gin.Context) {
	var req model.RectifyRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.Rectify(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Verify handles POST /tracking/verify. A mismatch is a 200 with valid=false.
func (h *TrackingHandler) Verify(c *gin.Context) {
	var req model.VerifyRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.Verify(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// List handles GET /tracking?skip=&limit=.
func (h *TrackingHandler) List(c *gin.Context) {
	skip, err := queryInt(c, "skip", 0)
	if err != nil {
		h.writeError(c, err)
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		h.writeError(c, err)
		return
	}
	recs, err := h.svc.ListTrackings(c.Request.Context(), skip, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "count": len(recs), "skip": skip})
}

// Get handles GET /tracking/:id.
func (h *TrackingHandler) Get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(c, &model.ErrValidation{Msg: "tracking id must be a positive integer"})
		return
	}
	rec, err := h.svc.GetTracking(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListForLocator handles GET /locators/:locator?datetime=.
func (h *TrackingHandler) ListForLocator(c *gin.Context) {
	recs, err := h.svc.ListForLocator(c.Request.Context(), c.Param("locator"), c.Query("datetime"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "count": len(recs)})
}

// SimpleAnonymize handles POST /anonymize/simple.
func (h *TrackingHandler) SimpleAnonymize(c *gin.Context) {
	var req model.AnonymizeRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.SimpleAnonymize(req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SecureAnonymize handles POST /anonymize/secure.
func (h *TrackingHandler) SecureAnonymize(c *gin.Context) {
	var req model.AnonymizeRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.SecureAnonymize(req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// VerifyAnonymize handles POST /anonymize/verify.
func (h *TrackingHandler) VerifyAnonymize(c *gin.Context) {
	var req model.VerifyAnonymizeRequest
	if !h.bind(c, &req) {
		return
	}
	ok, err := h.svc.VerifyAnonymize(req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": ok})
}

// RegisterOnChain handles POST /onchain.
func (h *TrackingHandler) RegisterOnChain(c *gin.Context) {
	var req model.RegisterRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.RegisterOnChain(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetOnChain handles GET /onchain/:ref?ledger_id=.
func (h *TrackingHandler) GetOnChain(c *gin.Context) {
	tx, err := h.svc.GetOnChain(c.Request.Context(), c.Param("ref"), c.Query("ledger_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *TrackingHandler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error(), "code": "invalid"})
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &model.ErrValidation{Msg: key + " must be an integer"}
	}
	return n, nil
}
