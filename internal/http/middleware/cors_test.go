package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginPolicy(t *testing.T) {
	p := newOriginPolicy([]string{" https://app.example.com/ ", "https://*.clinic.example", ""})

	assert.True(t, p.allows("https://app.example.com"))
	assert.True(t, p.allows("https://east.clinic.example"))
	assert.False(t, p.allows("https://clinic.example"))
	assert.False(t, p.allows("http://east.clinic.example"))
	assert.False(t, p.allows("https://evilclinic.example"))
	assert.False(t, p.allows(""))

	assert.True(t, newOriginPolicy([]string{" * "}).allows("https://random.example"))
}

func TestCORS(t *testing.T) {
	cases := []struct {
		name        string
		allowed     []string
		origin      string
		preflight   bool
		wantOrigin  string
		wantStatus  int
		wantHandler bool
	}{
		{"listed origin", []string{"https://app.example.com"}, "https://app.example.com", false, "https://app.example.com", http.StatusOK, true},
		{"unknown origin", []string{"https://app.example.com"}, "https://unknown.example", false, "", http.StatusOK, true},
		{"wildcard", []string{" * "}, "https://random.example", false, "https://random.example", http.StatusOK, true},
		{"subdomain", []string{"https://*.clinic.example"}, "https://east.clinic.example", false, "https://east.clinic.example", http.StatusOK, true},
		{"preflight", []string{"https://app.example.com"}, "https://app.example.com", true, "https://app.example.com", http.StatusNoContent, false},
		{"preflight unknown origin", []string{"https://app.example.com"}, "https://unknown.example", true, "", http.StatusForbidden, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			})
			method := http.MethodGet
			if tc.preflight {
				method = http.MethodOptions
			}
			req := httptest.NewRequest(method, "/v1/practitioners/pr-1/availability", nil)
			req.Header.Set("Origin", tc.origin)
			if tc.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPut)
			}
			rec := httptest.NewRecorder()
			CORS(tc.allowed)(next).ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantHandler, called)
			assert.Equal(t, tc.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Contains(t, rec.Header().Values("Vary"), "Origin")
			if tc.wantOrigin != "" {
				assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "ETag")
			}
			if tc.preflight && tc.wantOrigin != "" {
				assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "If-Match")
				assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
			} else {
				assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))
			}
		})
	}
}
