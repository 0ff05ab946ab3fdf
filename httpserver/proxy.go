package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
)

// NewBackendProxy forwards the front end's backend routes to the knowledge-stack
// backend at backendURL, dropping the /api prefix:
//
//	POST /api/identities/{id}/provision -> POST {backendURL}/identities/{id}/provision
//	GET  /api/provision-jobs/{jobId}    -> GET  {backendURL}/provision-jobs/{jobId}
func NewBackendProxy(backendURL string, log *slog.Logger) (http.Handler, error) {
	target, err := url.Parse(backendURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", backendURL)
	}

	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.Out.URL.Path = strings.TrimSuffix(target.Path, "/") + strings.TrimPrefix(r.In.URL.Path, "/api")
			r.Out.URL.RawPath = ""
			r.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn("Backend request failed", "path", r.URL.Path, "err", err)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "backend unavailable"})
		},
	}, nil
}
