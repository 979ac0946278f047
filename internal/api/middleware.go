package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/LeadPipe/internal/auth"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

// signatureHeader carries the gateway's webhook signature.
const signatureHeader = "X-Twilio-Signature"

// requireOperator authenticates the bearer token and stores the operator on the request context.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Operator authentication is not configured"))
			return
		}
		op, ok := s.authenticate(w, r, auth.BearerToken(r))
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithOperator(r.Context(), op)))
	})
}

// authenticate writes the error response and reports false when token is not accepted.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, token string) (auth.Operator, bool) {
	op, err := s.auth.Authenticate(r.Context(), token)
	switch {
	case err == nil:
		return op, true
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
	case errors.Is(err, auth.ErrNoTenant):
		writeJSONResponse(w, http.StatusForbidden, models.Error("No organization found for user"))
	default:
		slog.Error("Server.authenticate: authentication failed", "error", err, "path", r.URL.Path)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
	return auth.Operator{}, false
}

// verifyGatewaySignature rejects webhook calls whose signature does not match the
// public URL and form parameters. It is a no-op when no validator is configured.
func (s *Server) verifyGatewaySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.signatures == nil {
			next.ServeHTTP(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			writeTextResponse(w, http.StatusBadRequest, textInvalidForm)
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		url := s.publicBaseURL + r.URL.RequestURI()
		if !s.signatures.Validate(url, params, r.Header.Get(signatureHeader)) {
			slog.Warn("Server.verifyGatewaySignature: signature mismatch", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeTextResponse(w, http.StatusForbidden, "Invalid signature")
			return
		}
		next.ServeHTTP(w, r)
	})
}
