package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestBearerAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"valid", "t0ken", "Bearer t0ken", http.StatusOK},
		{"scheme is case-insensitive", "t0ken", "bearer t0ken", http.StatusOK},
		{"wrong token", "t0ken", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "t0ken", "", http.StatusUnauthorized},
		{"basic scheme", "t0ken", "Basic t0ken", http.StatusUnauthorized},
		{"empty bearer", "t0ken", "Bearer ", http.StatusUnauthorized},
		{"unconfigured server", "", "Bearer ", http.StatusUnauthorized},
		{"unconfigured server with token", "", "Bearer anything", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(BearerAuth(tc.token))
			r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
			if tc.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Fatalf("missing WWW-Authenticate")
			}
		})
	}
}
