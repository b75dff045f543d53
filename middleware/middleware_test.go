package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"inboxrelay/middleware/security"
	jwtsec "inboxrelay/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

func TestAuth(t *testing.T) {
	opts := security.DefaultOptions([]byte("test-secret"))
	r := gin.New()
	GET(r, "/me", func(c *gin.Context) {
		c.String(http.StatusOK, security.SenderID(c)+"@"+security.Tenant(c))
	}, RouteOpt{Auth: security.Middleware(opts)})

	tok, _, err := jwtsec.Generate(opts.JWT, "agent-7", "acme", nil)
	require.NoError(t, err)

	for name, set := range map[string]func(*http.Request){
		"bearer": func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) },
		"header": func(r *http.Request) { r.Header.Set("authorization", tok) },
		"query":  func(r *http.Request) { r.URL.RawQuery = "access_token=" + tok },
	} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		set(req)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, name)
		require.Equal(t, "agent-7@acme", w.Body.String(), name)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	other, _, _ := jwtsec.Generate(jwtsec.DefaultOptions([]byte("other")), "agent-7", "acme", nil)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIPLimiter(t *testing.T) {
	l := NewIPLimiter(1, 2, time.Minute)
	defer l.Close()
	now := time.Unix(100, 0)
	l.now = func() time.Time { return now }

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	hit := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}
	require.Equal(t, http.StatusNoContent, hit().Code)
	require.Equal(t, http.StatusNoContent, hit().Code)
	w := hit()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "2", w.Header().Get("Retry-After"))

	now = now.Add(time.Second)
	require.Equal(t, http.StatusNoContent, hit().Code)

	now = now.Add(2 * time.Minute)
	require.Equal(t, 1, l.Sweep())
}

func TestOriginAndManager(t *testing.T) {
	m := NewManager()
	m.Add(Origin([]string{"https://app.example.com/"}))
	r := gin.New()
	r.Use(m.Use())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(origin string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	require.Equal(t, http.StatusOK, do(""))
	require.Equal(t, http.StatusOK, do("https://APP.example.com"))
	require.Equal(t, http.StatusForbidden, do("https://evil.example.com"))

	m.Clear()
	require.Equal(t, http.StatusOK, do("https://evil.example.com"))
}
