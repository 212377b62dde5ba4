package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/haven/backend/internal/config"
	"github.com/zhouzirui/haven/backend/internal/middleware"
	"github.com/zhouzirui/haven/backend/internal/model/user"
	authservice "github.com/zhouzirui/haven/backend/internal/service/auth"
	"github.com/zhouzirui/haven/backend/internal/store"
)

func TestLogoutRevokesToken(t *testing.T) {
	u := user.User{ID: "u1", Email: "mira@example.com"}
	mem := store.NewMemory(u)
	authenticator := authservice.NewAuthenticator(config.AuthConfig{JWTSecret: "s3cret", Issuer: "haven", TokenTTL: time.Hour}, mem, mem, nil)
	token, _, err := authenticator.Issue(u)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(middleware.Authenticate(authenticator, nil))
	New(authenticator, nil).RegisterRoutes(r)

	logout := func() int {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		return resp.Code
	}

	assert.Equal(t, http.StatusOK, logout())
	assert.Equal(t, http.StatusUnauthorized, logout())
}
