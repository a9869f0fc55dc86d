package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(secret))
	handler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"workspace_id": GetWorkspaceID(c), "subject": GetSubject(c)})
	}
	r.GET("/whoami", handler)
	r.POST("/whoami", handler)
	return r
}

func TestAuthMiddleware(t *testing.T) {
	ws := uuid.New()
	token, err := auth.GenerateToken(ws, "svc", secret, time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		method string
		target string
		header string
		want   int
	}{
		{"bearer", http.MethodGet, "/whoami", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", http.MethodGet, "/whoami", "bearer " + token, http.StatusOK},
		{"query token on get", http.MethodGet, "/whoami?access_token=" + token, "", http.StatusOK},
		{"query token on post", http.MethodPost, "/whoami?access_token=" + token, "", http.StatusUnauthorized},
		{"missing", http.MethodGet, "/whoami", "", http.StatusUnauthorized},
		{"wrong scheme", http.MethodGet, "/whoami", "Basic " + token, http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/whoami", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router().ServeHTTP(w, req)

			assert.Equal(t, tc.want, w.Code)
			if tc.want == http.StatusOK {
				assert.Contains(t, w.Body.String(), ws.String())
				assert.Contains(t, w.Body.String(), `"subject":"svc"`)
			}
		})
	}
}

func TestGettersOutsideAuth(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Equal(t, uuid.Nil, GetWorkspaceID(c))
	assert.Empty(t, GetSubject(c))
}
