package keys

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	"github.com/burhanwani/WhatsAppSimulator/internal/middleware"
	"github.com/burhanwani/WhatsAppSimulator/internal/service/keys"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
	"github.com/burhanwani/WhatsAppSimulator/pkg/response"
)

// Handler serves the key registry over HTTP
type Handler struct {
	keysService *keys.Service
}

// NewHandler creates a new keys handler
func NewHandler(keysService *keys.Service) *Handler {
	return &Handler{keysService: keysService}
}

var errEmptyKey = errors.New("public key is empty")

// RegisterRoutes mounts the key routes on rg
func (h *Handler) RegisterRoutes(rg gin.IRoutes) {
	rg.PUT("/keys/:user_id", h.PutKey)
	rg.GET("/keys/:user_id", h.GetKey)
	rg.POST("/keys", h.PostKey)
}

// Mount serves the key routes at the root and under /v1, each behind mw
func (h *Handler) Mount(r gin.IRouter, mw ...gin.HandlerFunc) {
	for _, prefix := range []string{"/", "/v1"} {
		h.RegisterRoutes(r.Group(prefix, mw...))
	}
}

// PutKey stores or replaces a public key
// PUT /keys/:user_id
func (h *Handler) PutKey(c *gin.Context) {
	var req domain.KeyUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "malformed request body")
		return
	}
	if req.PublicKey == "" {
		response.FromError(c, apperrors.InvalidKeyFormatError(errEmptyKey))
		return
	}

	h.upload(c, http.StatusOK, domain.Identity(c.Param("user_id")), req.PublicKey)
}

// PostKey is the legacy upload route taking the identity in the body
// POST /keys
func (h *Handler) PostKey(c *gin.Context) {
	var req domain.LegacyKeyUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		response.ValidationError(c, "user_id is required")
		return
	}
	if req.PublicKey == "" {
		response.FromError(c, apperrors.InvalidKeyFormatError(errEmptyKey))
		return
	}

	h.upload(c, http.StatusCreated, domain.Identity(req.UserID), req.PublicKey)
}

func (h *Handler) upload(c *gin.Context, status int, owner domain.Identity, publicKey string) {
	rec, err := h.keysService.Upload(c.Request.Context(), middleware.ClaimsFrom(c), owner, publicKey)
	if err != nil {
		response.FromError(c, err)
		return
	}

	c.JSON(status, toResponse(rec))
}

// GetKey returns the public key of an identity
// GET /keys/:user_id
func (h *Handler) GetKey(c *gin.Context) {
	rec, err := h.keysService.Lookup(c.Request.Context(), middleware.ClaimsFrom(c), domain.Identity(c.Param("user_id")))
	if err != nil {
		response.FromError(c, err)
		return
	}

	c.JSON(http.StatusOK, toResponse(rec))
}

func toResponse(rec *domain.PublicKeyRecord) domain.KeyResponse {
	return domain.KeyResponse{
		UserID:       string(rec.Owner),
		PublicKey:    rec.PublicKey,
		RegisteredAt: rec.RegisteredAt,
	}
}
