package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonauth "crm_realtime/client/common/auth"
	"crm_realtime/client/realtime/domain"
)

func devToken(t *testing.T) string {
	t.Helper()
	token, err := commonauth.NewService("test-secret", 60).GenerateToken("u1", "t1", "agent", "Ada")
	require.NoError(t, err)
	return token
}

func TestCurrentUserFromToken(t *testing.T) {
	user, err := CurrentUserFromToken("Bearer "+devToken(t), "")
	require.NoError(t, err)
	assert.Equal(t, domain.CurrentUser{ID: "u1", TenantID: "t1", Name: "Ada", Role: "agent"}, user)

	_, err = CurrentUserFromToken("not-a-jwt", "")
	assert.Error(t, err)
}

func TestCurrentUserFromTokenVerifiesWithSecret(t *testing.T) {
	user, err := CurrentUserFromToken("Bearer "+devToken(t), "test-secret")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	_, err = CurrentUserFromToken(devToken(t), "other-secret")
	assert.Error(t, err)
}

func TestNewServerRequiresToken(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	_, err = NewServer(cfg)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestNewServerWiresRedisOutbox(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	cfg, err := loadConfig("")
	require.NoError(t, err)
	cfg.Token = devToken(t)
	cfg.UserName = "Ada L."
	cfg.OutboxBackend = "redis"
	cfg.RedisAddr = mr.Addr()
	cfg.WSURL = "ws://127.0.0.1:1/ws"

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	assert.Equal(t, "Ada L.", srv.User().Name)

	queued, err := srv.Session.SendMessage(context.Background(), "u2", "hello", domain.RecipientUser)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.True(t, mr.Exists("crm:rt:outbox:t1:u1"))

	w := httptest.NewRecorder()
	srv.HTTPServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
