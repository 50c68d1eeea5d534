package verification

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
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

// NewHandler creates the handler. conn signs every ledger call the handler
// triggers.
func NewHandler(service *Service, conn ledger.Connection, logger *zap.Logger) *Handler {
	return &Handler{service: service, conn: conn, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	milestones := rg.Group("/campaigns/:id/milestones/:position")
	{
		milestones.POST("/auto-verify", h.AutoVerify)
		milestones.POST("/verification-requests", h.Request)
	}

	requests := rg.Group("/verification-requests")
	{
		requests.GET("", h.List)
		requests.GET("/:id", h.Get)
		requests.GET("/:id/evidence", h.Evidence)
		requests.POST("/:id/approve", h.Approve)
		requests.POST("/:id/reject", h.Reject)
		requests.POST("/:id/release", h.Release)
	}
}

type requestBody struct {
	Amount   decimal.Decimal `json:"amount"`
	Evidence []string        `json:"evidence"`
}

type resolveBody struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

func (h *Handler) AutoVerify(c *gin.Context) {
	position, ok := positionParam(c)
	if !ok {
		return
	}

	result, err := h.service.Evaluate(c.Request.Context(), h.conn, c.Param("id"), position, auth.Identity(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == OutcomeAutoVerified {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

func (h *Handler) Request(c *gin.Context) {
	position, ok := positionParam(c)
	if !ok {
		return
	}
	var body requestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.service.Request(c.Request.Context(), h.conn, RequestInput{
		CampaignID: c.Param("id"),
		Position:   position,
		Requester:  auth.Identity(c),
		Amount:     body.Amount,
		Evidence:   body.Evidence,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (h *Handler) List(c *gin.Context) {
	var filter mirror.RequestFilter
	if id := c.Query("campaign_id"); id != "" {
		filter.CampaignID = &id
	}
	if s := c.Query("status"); s != "" {
		status := mirror.VerificationStatus(s)
		filter.Status = &status
	}
	if p := c.Query("position"); p != "" {
		position, err := strconv.Atoi(p)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid position"})
			return
		}
		filter.Position = &position
	}

	requests, err := h.service.ListRequests(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, requests)
}

func (h *Handler) Get(c *gin.Context) {
	req, err := h.service.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) Evidence(c *gin.Context) {
	links, err := h.service.EvidenceLinks(c.Request.Context(), c.Param("id"), auth.Identity(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links})
}

func (h *Handler) Approve(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.service.Approve(c.Request.Context(), h.conn, c.Param("id"), auth.Identity(c), body.Notes)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) Reject(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.service.Reject(c.Request.Context(), c.Param("id"), auth.Identity(c), body.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) Release(c *gin.Context) {
	req, err := h.service.RetryRelease(c.Request.Context(), h.conn, c.Param("id"), auth.Identity(c))
	if err != nil {
		status, body := errs.Response(err)
		if req != nil {
			body["request"] = req
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, body := errs.Response(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Verification request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func positionParam(c *gin.Context) (int, bool) {
	position, err := strconv.Atoi(c.Param("position"))
	if err != nil || position < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone position"})
		return 0, false
	}
	return position, true
}
