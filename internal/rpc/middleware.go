package rpc

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

type Authorizer interface {
	TrustsCert(fingerprint string) bool
}

type AuthorizerFunc func(fingerprint string) bool

func (a AuthorizerFunc) TrustsCert(fingerprint string) bool { return a(fingerprint) }

// WithAuth rejects requests whose client cert fingerprint the Authorizer
// does not trust: 401 without a cert, 403 when untrusted.
func WithAuth(auth Authorizer, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			w.WriteHeader(401)
			return
		}

		fingerprint := GetCertFingerprint(r.TLS.PeerCertificates[0].Raw)

		if auth == nil || !auth.TrustsCert(fingerprint) {
			w.WriteHeader(403)
			return
		}

		// This is a hack to pass the fingerprint to handlers because I don't feel like using context values
		q := r.URL.Query()
		q.Set("fingerprint", fingerprint)
		r.URL.RawQuery = q.Encode()

		next(w, r, ps)
	}
}

func WithLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wp := &responseProxy{ResponseWriter: w, Status: 200}
		next.ServeHTTP(wp, r)
		log.Info("handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wp.Status),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote", r.RemoteAddr))
	})
}

// responseProxy retains the response status for logging purposes.
type responseProxy struct {
	http.ResponseWriter
	Status int
}

func (r *responseProxy) WriteHeader(status int) {
	r.Status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap exposes the inner ResponseWriter so streaming handlers can
// reach the Flusher behind the proxy.
func (r *responseProxy) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Flush implements http.Flusher when the underlying writer supports it.
func (r *responseProxy) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
