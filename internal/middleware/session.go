// Package middleware holds the HTTP middleware of the API server.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/diycloud/usermgmt/internal/apperr"
	"github.com/diycloud/usermgmt/internal/auth"
)

// TokenVerifier resolves a bearer token to the principal owning it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Principal, error)
}

// ErrorResponder writes err to the client.
type ErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

// Skipper reports whether a request bypasses session authentication.
type Skipper func(r *http.Request) bool

type sessionOptions struct {
	skipper   Skipper
	responder ErrorResponder
}

// SessionOption configures NewSessionAuthMiddleware.
type SessionOption func(*sessionOptions)

// WithSkipper replaces the default public-path skipper.
func WithSkipper(skipper Skipper) SessionOption {
	return func(o *sessionOptions) {
		if skipper != nil {
			o.skipper = skipper
		}
	}
}

// WithErrorResponder replaces the plain-text error responder.
func WithErrorResponder(responder ErrorResponder) SessionOption {
	return func(o *sessionOptions) {
		if responder != nil {
			o.responder = responder
		}
	}
}

var errMissingToken = fmt.Errorf("%w: missing bearer token", apperr.ErrAuthentication)

// NewSessionAuthMiddleware authenticates every non-public request by its
// bearer token and stores the resulting principal in the request context.
// Verification hits the store on every request so that a committed logout is
// observed immediately.
func NewSessionAuthMiddleware(verifier TokenVerifier, opts ...SessionOption) func(http.Handler) http.Handler {
	o := sessionOptions{skipper: defaultSkipper, responder: defaultErrorResponder}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o.skipper(r) {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				o.responder(w, r, errMissingToken)
				return
			}

			principal, err := verifier.Verify(r.Context(), token)
			if err != nil {
				o.responder(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.SetPrincipal(r.Context(), principal)))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. A bare token without the scheme is accepted too.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" || strings.EqualFold(header, "Bearer") {
		return "", false
	}
	if scheme, rest, found := strings.Cut(header, " "); found && strings.EqualFold(scheme, "Bearer") {
		header = strings.TrimSpace(rest)
	}
	if header == "" {
		return "", false
	}
	return header, true
}

// publicPaths do not require a valid session. Logout is listed because it
// must succeed for an already expired token; its handler reads the token itself.
var publicPaths = map[string]struct{}{
	"/api/health":      {},
	"/api/auth/login":  {},
	"/api/auth/logout": {},
}

func defaultSkipper(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.Method == http.MethodOptions {
		return true
	}
	_, ok := publicPaths[r.URL.Path]
	return ok
}

func defaultErrorResponder(w http.ResponseWriter, _ *http.Request, err error) {
	http.Error(w, err.Error(), http.StatusUnauthorized)
}
