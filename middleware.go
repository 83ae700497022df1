package jwtguard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorHandler writes the response for a rejected request.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// MiddlewareOptions configures RefreshMiddleware and Authenticate.
type MiddlewareOptions struct {
	// ErrorHandler defaults to WriteError.
	ErrorHandler ErrorHandler
}

// RefreshMiddleware authenticates each request, refreshing expired tokens.
//
// The request's guard is stored in the context for downstream handlers
// (GuardFromContext). When authentication ran on a new token, either one the
// middleware refreshed or one another request refreshed and cached, the
// response carries it in an Authorization: Bearer header.
func RefreshMiddleware(a *Authenticator, opts MiddlewareOptions) func(http.Handler) http.Handler {
	return authMiddleware(a, opts, true)
}

// Authenticate rejects requests without a valid token. Unlike
// RefreshMiddleware it never refreshes: expired tokens are rejected.
func Authenticate(a *Authenticator, opts MiddlewareOptions) func(http.Handler) http.Handler {
	return authMiddleware(a, opts, false)
}

func authMiddleware(a *Authenticator, opts MiddlewareOptions, refresh bool) func(http.Handler) http.Handler {
	onError := opts.ErrorHandler
	if onError == nil {
		onError = WriteError
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guard := a.Guard(r)
			ctx := WithGuard(r.Context(), guard)
			r = r.WithContext(ctx)
			log := LoggerFromContext(ctx, a.logger)

			token, err := authenticateRequest(r, guard, refresh)
			if err != nil {
				var ue *UnauthorizedError
				reason := err.Error()
				if errors.As(err, &ue) {
					reason = ue.Reason
				}
				log.WarnContext(ctx, "jwt authentication rejected", "reason", reason, "err", err)
				onError(w, r, err)
				return
			}

			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if refresh {
				log.DebugContext(ctx, "jwt token rotated")
			}
			bw := &bearerWriter{ResponseWriter: w, guard: guard, token: token}
			next.ServeHTTP(bw, r)
			bw.stamp()
		})
	}
}

// authenticateRequest authenticates the request's guard and returns the token
// the client should switch to, if any.
func authenticateRequest(r *http.Request, guard *Guard, refresh bool) (string, error) {
	ctx := r.Context()
	if guard.HasUser() {
		return "", nil
	}
	if _, ok := guard.Token(); !ok {
		return "", unauthorized("token not provided", ErrTokenNotProvided)
	}

	_, err := guard.Authenticate(ctx)
	if err == nil {
		if replacement, ok := guard.Substituted(); ok && refresh {
			return replacement, nil
		}
		return "", nil
	}
	if !refresh || !errors.Is(err, ErrTokenExpired) {
		return "", rejection(err)
	}

	token, err := guard.Refresh(ctx, false, false)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return "", unauthorized("refresh token has expired", err)
		}
		return "", rejection(err)
	}

	if _, err := guard.Authenticate(ctx); err != nil {
		return "", rejection(err)
	}
	return token, nil
}

func rejection(err error) error {
	switch {
	case errors.Is(err, ErrTokenBlacklisted):
		return unauthorized("token has been blacklisted", err)
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrSubjectMismatch):
		return unauthorized("user not found", err)
	case errors.Is(err, ErrMissingToken):
		return &UnauthorizedError{Status: http.StatusBadRequest, Reason: err.Error(), Err: err}
	case StatusCode(err) == http.StatusInternalServerError:
		return &UnauthorizedError{Status: http.StatusInternalServerError, Reason: "authentication failed", Err: err}
	default:
		return unauthorized(err.Error(), err)
	}
}

// WriteError writes err as an RFC 6750 bearer error with a JSON body.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	reason := err.Error()
	var ue *UnauthorizedError
	if errors.As(err, &ue) {
		reason = ue.Reason
	}

	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer error=%q, error_description=%q", "invalid_token", reason))
	case http.StatusBadRequest:
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer error=%q, error_description=%q", "invalid_request", reason))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}

// bearerWriter adds the Authorization header before the response headers
// are sent. Nothing is added once the handler has logged the guard out.
type bearerWriter struct {
	http.ResponseWriter

	guard   *Guard
	token   string
	stamped bool
}

func (w *bearerWriter) stamp() {
	if w.stamped {
		return
	}
	w.stamped = true
	if _, ok := w.guard.Token(); !ok {
		return
	}
	w.Header().Set(AuthorizationHeader, bearerHeaderValue(w.token))
}

func (w *bearerWriter) WriteHeader(code int) {
	w.stamp()
	w.ResponseWriter.WriteHeader(code)
}

func (w *bearerWriter) Write(b []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(b)
}

func (w *bearerWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
