package jwtguard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// whoami echoes the authenticated user id.
var whoami = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "no user", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte(user.AuthIdentifier()))
})

func serve(h http.Handler, token string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest(token))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestRefreshMiddleware(t *testing.T) {
	t.Run("ValidToken", func(t *testing.T) {
		tokens := newFakeTokens().withToken("abc", Claims{ClaimSubject: "u1"})
		a, _ := newTestAuthenticator(t, tokens, GuardConfig{Provider: newFakeProvider(&testUser{ID: "u1"})})

		rec := serve(RefreshMiddleware(a, MiddlewareOptions{})(whoami), "abc")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "u1", rec.Body.String())
		assert.Empty(t, rec.Header().Get(AuthorizationHeader))
	})

	t.Run("NoToken", func(t *testing.T) {
		a, _ := newTestAuthenticator(t, newFakeTokens(), GuardConfig{})

		rec := serve(RefreshMiddleware(a, MiddlewareOptions{})(whoami), "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "token not provided", decodeError(t, rec))
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
	})

	t.Run("ExpiredTokenIsRefreshed", func(t *testing.T) {
		tokens := newFakeTokens().
			withToken("exp1", Claims{ClaimSubject: "u1"}).
			withVerifyError("exp1", ErrTokenExpired)
		tokens.refreshTo["exp1"] = "new1"
		a, cache := newTestAuthenticator(t, tokens, GuardConfig{})

		rec := serve(RefreshMiddleware(a, MiddlewareOptions{})(whoami), "exp1")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "u1", rec.Body.String())
		assert.Equal(t, "Bearer new1", rec.Header().Get(AuthorizationHeader))

		cached, ok := cache.Get(context.Background(), Fingerprint("exp1"))
		assert.True(t, ok)
		assert.Equal(t, "new1", cached)
	})

	t.Run("StaleTokenUsesCachedReplacement", func(t *testing.T) {
		tokens := newFakeTokens().
			withToken("exp1", Claims{ClaimSubject: "u1"}).
			withVerifyError("exp1", ErrTokenExpired)
		tokens.refreshTo["exp1"] = "new1"
		a, _ := newTestAuthenticator(t, tokens, GuardConfig{})
		h := RefreshMiddleware(a, MiddlewareOptions{})(whoami)

		first := serve(h, "exp1")
		require.Equal(t, http.StatusOK, first.Code)

		second := serve(h, "exp1")
		assert.Equal(t, http.StatusOK, second.Code)
		assert.Equal(t, "u1", second.Body.String())
		assert.Equal(t, "Bearer new1", second.Header().Get(AuthorizationHeader))
		assert.Equal(t, int32(1), tokens.refreshCalls.Load())
	})

	t.Run("RefreshWindowClosed", func(t *testing.T) {
		tokens := newFakeTokens().withVerifyError("exp1", ErrTokenExpired)
		tokens.refreshErr = ErrTokenExpired
		a, _ := newTestAuthenticator(t, tokens, GuardConfig{})

		rec := serve(RefreshMiddleware(a, MiddlewareOptions{})(whoami), "exp1")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "refresh token has expired", decodeError(t, rec))
	})

	t.Run("RefreshFailsOtherwise", func(t *testing.T) {
		tokens := newFakeTokens().withVerifyError("exp1", ErrTokenExpired)
		tokens.refreshErr = ErrTokenBlacklisted
		a, _ := newTestAuthenticator(t, tokens, GuardConfig{})

		rec := serve(RefreshMiddleware(a, MiddlewareOptions{})(whoami), "exp1")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "token has been blacklisted", decodeError(t, rec))
	})

	t.Run("Blacklisted", func(t *testing.T) {
		tokens := newFakeTokens().withVerifyError("old", ErrTokenBlacklisted)
		a, _ := newTestAuthenticator(t, tokens, GuardConfig{})

		rec := serve(RefreshMiddleware(a, MiddlewareOptions{})(whoami), "old")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "token has been blacklisted", decodeError(t, rec))
		assert.Zero(t, tokens.refreshCalls.Load())
	})

	t.Run("InvalidCarriesMessage", func(t *testing.T) {
		a, _ := newTestAuthenticator(t, newFakeTokens(), GuardConfig{})

		rec := serve(RefreshMiddleware(a, MiddlewareOptions{})(whoami), "garbage")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, ErrTokenInvalid.Error(), decodeError(t, rec))
	})

	t.Run("UserNotFound", func(t *testing.T) {
		tokens := newFakeTokens().withToken("abc", Claims{ClaimSubject: "ghost"})
		a, _ := newTestAuthenticator(t, tokens, GuardConfig{Provider: newFakeProvider()})

		rec := serve(RefreshMiddleware(a, MiddlewareOptions{})(whoami), "abc")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "user not found", decodeError(t, rec))
	})

	t.Run("BackendFailureIs500", func(t *testing.T) {
		tokens := newFakeTokens().withVerifyError("abc", errors.New("redis down"))
		a, _ := newTestAuthenticator(t, tokens, GuardConfig{})

		rec := serve(RefreshMiddleware(a, MiddlewareOptions{})(whoami), "abc")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "authentication failed", decodeError(t, rec))
	})

	t.Run("HeaderStampedWhenHandlerWritesNothing", func(t *testing.T) {
		tokens := newFakeTokens().
			withToken("exp1", Claims{ClaimSubject: "u1"}).
			withVerifyError("exp1", ErrTokenExpired)
		tokens.refreshTo["exp1"] = "new1"
		a, _ := newTestAuthenticator(t, tokens, GuardConfig{})

		silent := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		rec := serve(RefreshMiddleware(a, MiddlewareOptions{})(silent), "exp1")
		assert.Equal(t, "Bearer new1", rec.Header().Get(AuthorizationHeader))
	})

	t.Run("HeaderStampedBeforeWriteHeader", func(t *testing.T) {
		tokens := newFakeTokens().
			withToken("exp1", Claims{ClaimSubject: "u1"}).
			withVerifyError("exp1", ErrTokenExpired)
		tokens.refreshTo["exp1"] = "new1"
		a, _ := newTestAuthenticator(t, tokens, GuardConfig{})

		created := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})
		rec := serve(RefreshMiddleware(a, MiddlewareOptions{})(created), "exp1")
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "Bearer new1", rec.Result().Header.Get(AuthorizationHeader))
	})

	t.Run("NoHeaderAfterHandlerLogsOut", func(t *testing.T) {
		tokens := newFakeTokens().
			withToken("exp1", Claims{ClaimSubject: "u1"}).
			withVerifyError("exp1", ErrTokenExpired)
		tokens.refreshTo["exp1"] = "new1"
		a, _ := newTestAuthenticator(t, tokens, GuardConfig{})

		logout := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guard, _ := GuardFromContext(r.Context())
			require.NoError(t, guard.Logout(r.Context(), false))
			w.WriteHeader(http.StatusNoContent)
		})
		rec := serve(RefreshMiddleware(a, MiddlewareOptions{})(logout), "exp1")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Header().Get(AuthorizationHeader))
		assert.True(t, tokens.isInvalidated("new1"))
	})

	t.Run("HandlerRefreshKeepsReplacement", func(t *testing.T) {
		tokens := newFakeTokens().
			withToken("exp1", Claims{ClaimSubject: "u1"}).
			withVerifyError("exp1", ErrTokenExpired)
		tokens.refreshTo["exp1"] = "new1"
		a, _ := newTestAuthenticator(t, tokens, GuardConfig{})

		var got string
		h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guard, _ := GuardFromContext(r.Context())
			var err error
			got, err = guard.Refresh(r.Context(), false, false)
			require.NoError(t, err)
		})
		rec := serve(RefreshMiddleware(a, MiddlewareOptions{})(h), "exp1")
		assert.Equal(t, "new1", got)
		assert.Equal(t, "Bearer new1", rec.Header().Get(AuthorizationHeader))
		assert.Equal(t, int32(1), tokens.refreshCalls.Load())
	})

	t.Run("GuardInContext", func(t *testing.T) {
		tokens := newFakeTokens().withToken("abc", Claims{ClaimSubject: "u1"})
		a, _ := newTestAuthenticator(t, tokens, GuardConfig{})

		var seen *Guard
		h := RefreshMiddleware(a, MiddlewareOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = GuardFromContext(r.Context())
		}))
		serve(h, "abc")

		require.NotNil(t, seen)
		assert.True(t, seen.HasUser())
		assert.Equal(t, int32(1), tokens.verifyCalls.Load())
	})

	t.Run("CustomErrorHandler", func(t *testing.T) {
		a, _ := newTestAuthenticator(t, newFakeTokens(), GuardConfig{})

		var got error
		h := RefreshMiddleware(a, MiddlewareOptions{
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				got = err
				w.WriteHeader(http.StatusTeapot)
			},
		})(whoami)

		rec := serve(h, "")
		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.ErrorIs(t, got, ErrTokenNotProvided)

		var ue *UnauthorizedError
		require.ErrorAs(t, got, &ue)
		assert.Equal(t, "token not provided", ue.Reason)
	})
}

func TestAuthenticateMiddleware(t *testing.T) {
	t.Run("ExpiredIsRejected", func(t *testing.T) {
		tokens := newFakeTokens().withVerifyError("exp1", ErrTokenExpired)
		a, _ := newTestAuthenticator(t, tokens, GuardConfig{})

		rec := serve(Authenticate(a, MiddlewareOptions{})(whoami), "exp1")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, ErrTokenExpired.Error(), decodeError(t, rec))
		assert.Zero(t, tokens.refreshCalls.Load())
	})

	t.Run("ValidPassesWithoutHeader", func(t *testing.T) {
		tokens := newFakeTokens().withToken("abc", Claims{ClaimSubject: "u1"})
		a, _ := newTestAuthenticator(t, tokens, GuardConfig{})

		rec := serve(Authenticate(a, MiddlewareOptions{})(whoami), "abc")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get(AuthorizationHeader))
	})
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusCode(nil))
	assert.Equal(t, http.StatusBadRequest, StatusCode(ErrMissingToken))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(ErrTokenExpired))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(errors.Join(errors.New("x"), ErrTokenInvalid)))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("boom")))
	assert.Equal(t, http.StatusTeapot, StatusCode(&UnauthorizedError{Status: http.StatusTeapot, Reason: "tea"}))
}
