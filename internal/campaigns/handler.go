package campaigns

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"crowdchain/escrow-backend/internal/auth"
	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/internal/ledger"
	"crowdchain/escrow-backend/internal/mirror"
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
	campaigns := rg.Group("/campaigns")
	{
		campaigns.POST("", h.CreateCampaign)
		campaigns.GET("", h.ListCampaigns)
		campaigns.GET("/:id", h.GetCampaign)
		campaigns.POST("/:id/publish", h.PublishCampaign)
		campaigns.POST("/:id/donations", h.Donate)
		campaigns.POST("/:id/donations/simulated", h.RecordSimulatedDonation)
		campaigns.GET("/:id/milestones/:position/progress", h.MilestoneProgress)
	}
}

func (h *Handler) CreateCampaign(c *gin.Context) {
	var req CreateCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	campaign, err := h.service.CreateCampaign(c.Request.Context(), &req, auth.Identity(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, campaign)
}

func (h *Handler) ListCampaigns(c *gin.Context) {
	var status *mirror.CampaignStatus
	if s := c.Query("status"); s != "" {
		st := mirror.CampaignStatus(s)
		status = &st
	}

	campaigns, err := h.service.ListCampaigns(c.Request.Context(), status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, campaigns)
}

func (h *Handler) GetCampaign(c *gin.Context) {
	summary, err := h.service.GetCampaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) PublishCampaign(c *gin.Context) {
	result, err := h.service.PublishCampaign(c.Request.Context(), h.conn, c.Param("id"), auth.Identity(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Donate(c *gin.Context) {
	var req DonateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.Donate(c.Request.Context(), h.conn, c.Param("id"), &req, auth.Identity(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) RecordSimulatedDonation(c *gin.Context) {
	var req SimulatedDonationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.RecordSimulatedDonation(c.Request.Context(), c.Param("id"), req.OfferID, auth.Identity(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) MilestoneProgress(c *gin.Context) {
	position, err := strconv.Atoi(c.Param("position"))
	if err != nil || position < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone position"})
		return
	}

	view, err := h.service.MilestoneProgress(c.Request.Context(), c.Param("id"), position)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, body := errs.Response(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Campaign request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}
