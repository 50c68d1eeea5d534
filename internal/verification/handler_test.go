package verification

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"crowdchain/escrow-backend/internal/auth"
)

func newRouter(t *testing.T, f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		auth.SetIdentity(c, c.GetHeader("X-Identity"))
		c.Next()
	})
	NewHandler(f.svc, f.conn, zaptest.NewLogger(t)).RegisterRoutes(router.Group("/api/v1"))
	return router
}

func do(router *gin.Engine, method, path, identity, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Identity", identity)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandlerAutoVerify(t *testing.T) {
	f := newFixture(t)
	id := f.seedCampaign(t, "5")
	router := newRouter(t, f)

	w := do(router, http.MethodPost, "/api/v1/campaigns/"+id+"/milestones/0/auto-verify", admin, "")
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do(router, http.MethodPost, "/api/v1/campaigns/"+id+"/milestones/0/auto-verify", admin, "")
	assert.Equal(t, http.StatusOK, w.Code)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, string(OutcomeAlreadyVerified), result["outcome"])

	w = do(router, http.MethodPost, "/api/v1/campaigns/"+id+"/milestones/1/auto-verify", admin, "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(router, http.MethodPost, "/api/v1/campaigns/"+id+"/milestones/x/auto-verify", admin, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerRequestAndResolve(t *testing.T) {
	f := newFixture(t)
	id := f.seedCampaign(t, "0")
	router := newRouter(t, f)

	w := do(router, http.MethodPost, "/api/v1/campaigns/"+id+"/milestones/1/verification-requests", creator, `{"amount":"14"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "amount_mismatch")

	w = do(router, http.MethodPost, "/api/v1/campaigns/"+id+"/milestones/1/verification-requests", creator, `{"amount":"15"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	requestID := created["id"].(string)

	w = do(router, http.MethodPost, "/api/v1/campaigns/"+id+"/milestones/1/verification-requests", creator, `{"amount":"15"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"idempotent":true`)

	w = do(router, http.MethodPost, "/api/v1/verification-requests/"+requestID+"/approve", stranger, `{}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(router, http.MethodPost, "/api/v1/verification-requests/"+requestID+"/approve", admin, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/api/v1/verification-requests/"+requestID+"/reject", admin, `{"reason":"late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(router, http.MethodGet, "/api/v1/verification-requests?campaign_id="+id+"&status=approved", admin, "")
	require.Equal(t, http.StatusOK, w.Code)
	var listed []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Len(t, listed, 1)
}
