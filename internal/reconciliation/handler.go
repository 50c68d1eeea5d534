package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"crowdchain/escrow-backend/internal/auth"
	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/internal/ledger"
)

type Handler struct {
	service *Service
	conn    ledger.Connection
	logger  *zap.Logger
}

func NewHandler(service *Service, conn ledger.Connection, logger *zap.Logger) *Handler {
	return &Handler{service: service, conn: conn, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	drift := rg.Group("/campaigns/:id/drift")
	{
		drift.GET("", h.CheckDrift)
		drift.POST("/resync", h.Resync)
		drift.POST("/redeploy", h.Redeploy)
	}
}

func (h *Handler) CheckDrift(c *gin.Context) {
	report, err := h.service.CheckDrift(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) Resync(c *gin.Context) {
	report, err := h.service.ResyncAmount(c.Request.Context(), c.Param("id"), auth.Identity(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) Redeploy(c *gin.Context) {
	result, err := h.service.Redeploy(c.Request.Context(), h.conn, c.Param("id"), auth.Identity(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, body := errs.Response(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Reconciliation request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}
