package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Middleware(DefaultOptions(StaticToken("s3cret", "ops"))), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(PPCtxUserKey))
	})

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"bearer", "Bearer s3cret", http.StatusOK},
		{"raw", "s3cret", http.StatusOK},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, "ops", w.Body.String())
			}
		})
	}
}

func TestStaticTokenEmptySecretRejects(t *testing.T) {
	_, err := StaticToken("", "ops")(context.Background(), "")
	assert.Error(t, err)
}
