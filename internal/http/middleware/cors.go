package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const corsMaxAge = 10 * time.Minute

var (
	corsAllowMethods  = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}, ", ")
	corsAllowHeaders  = "Authorization, Content-Type, If-Match, X-Request-ID"
	corsExposeHeaders = "ETag, X-Request-ID"
)

// originPolicy matches browser origins against CORS_ALLOWED_ORIGINS entries.
// An entry is an exact origin, "*", or a subdomain pattern such as
// "https://*.clinic.example".
type originPolicy struct {
	any      bool
	exact    map[string]struct{}
	suffixes []originSuffix
}

type originSuffix struct {
	scheme string // "https://"
	host   string // ".clinic.example"
}

func newOriginPolicy(entries []string) originPolicy {
	p := originPolicy{exact: map[string]struct{}{}}
	for _, e := range entries {
		e = strings.TrimRight(strings.TrimSpace(e), "/")
		switch {
		case e == "":
		case e == "*":
			p.any = true
		case strings.Contains(e, "://*."):
			scheme, host, _ := strings.Cut(e, "://*")
			p.suffixes = append(p.suffixes, originSuffix{scheme: scheme + "://", host: host})
		default:
			p.exact[e] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.any {
		return true
	}
	if _, ok := p.exact[origin]; ok {
		return true
	}
	for _, s := range p.suffixes {
		rest, ok := strings.CutPrefix(origin, s.scheme)
		if ok && strings.HasSuffix(rest, s.host) && len(rest) > len(s.host) {
			return true
		}
	}
	return false
}

// CORS lets the browser booking UI call the API. ETag is exposed so schedule
// editors can send If-Match. Preflights from unknown origins get 403.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(allowedOrigins)
	maxAge := strconv.Itoa(int(corsMaxAge.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && origin != "" && r.Header.Get("Access-Control-Request-Method") != ""
			h := w.Header()
			h.Add("Vary", "Origin")

			allowed := policy.allows(origin)
			if allowed {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			}
			if !preflight {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", maxAge)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
