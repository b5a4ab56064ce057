package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "proxattend"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("dev-1", RoleAuthority, testIssuer, testKey, time.Hour, 24*time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, "")
	assert.True(t, pair.RefreshExp.After(pair.AccessExp))

	claims, err := Parse(pair.AccessToken, testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", claims.Subject)
	assert.Equal(t, RoleAuthority, claims.Role)

	_, err = Parse(pair.AccessToken, "other-key", testIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = Parse(pair.AccessToken, testKey, "someone-else")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueRejectsUnknownRole(t *testing.T) {
	_, err := Issue("dev-1", "admin", testIssuer, testKey, time.Hour, time.Hour)
	assert.Error(t, err)
	_, err = Issue("", RoleStudent, testIssuer, testKey, time.Hour, time.Hour)
	assert.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	pair, err := Issue("dev-1", RoleStudent, testIssuer, testKey, -time.Minute, time.Hour)
	require.NoError(t, err)
	_, err = Parse(pair.AccessToken, testKey, testIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/", DeviceAuth(testKey, testIssuer))
	g.GET("/any", func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.String(http.StatusOK, claims.Subject)
	})
	g.GET("/authority", RequireRole(RoleAuthority), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func get(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDeviceAuthMiddleware(t *testing.T) {
	r := newRouter()
	student, err := Issue("dev-s", RoleStudent, testIssuer, testKey, time.Hour, time.Hour)
	require.NoError(t, err)
	authority, err := Issue("dev-a", RoleAuthority, testIssuer, testKey, time.Hour, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, get(r, "/any", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/any", "garbage").Code)

	w := get(r, "/any", student.AccessToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dev-s", w.Body.String())

	assert.Equal(t, http.StatusForbidden, get(r, "/authority", student.AccessToken).Code)
	assert.Equal(t, http.StatusNoContent, get(r, "/authority", authority.AccessToken).Code)
}
