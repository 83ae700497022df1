// Command jwtguard-demo serves a small API protected by jwtguard.
//
//	POST /login    {"email": "...", "password": "..."} -> {"token": "..."}
//	GET  /me       current user; expired tokens are refreshed
//	POST /refresh  rotate the presented token
//	POST /logout   blacklist the presented token
//
// Configuration is read from the environment (JWT_*, JWTGUARD_*, DEMO_*).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"

	"github.com/gourdian25/jwtguard"
)

type demoConfig struct {
	Addr      string `env:"DEMO_ADDR"       envDefault:":8080"`
	DBPath    string `env:"DEMO_DB_PATH"    envDefault:":memory:"`
	SeedEmail string `env:"DEMO_SEED_EMAIL" envDefault:"demo@example.com"`
	SeedPass  string `env:"DEMO_SEED_PASSWORD"`
	LogLevel  string `env:"LOG_LEVEL"       envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT"      envDefault:"text"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "jwtguard-demo:", err)
		os.Exit(1)
	}
}

func run() error {
	var demo demoConfig
	if err := env.Parse(&demo); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	logger := newLogger(demo.LogLevel, demo.LogFormat)
	slog.SetDefault(logger)

	cfg, err := jwtguard.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	users, err := jwtguard.OpenSQLUserProvider(ctx, demo.DBPath)
	if err != nil {
		return err
	}
	defer users.Close()

	if demo.SeedPass != "" {
		seed := jwtguard.SQLUser{ID: "1", Name: "Demo", Email: demo.SeedEmail}
		if _, err := users.CreateUser(ctx, seed, demo.SeedPass); err != nil {
			logger.Warn("seed user not created", "err", err)
		}
	}

	tokens, err := jwtguard.NewJWTService(cfg.JWT, store)
	if err != nil {
		return err
	}

	auth, err := jwtguard.NewAuthenticator(tokens, jwtguard.NewTokenCache(store, cfg.CacheTTL).WithLogger(logger), jwtguard.GuardConfig{
		CacheTTL:      cfg.CacheTTL,
		LogoutForever: cfg.LogoutForever,
		Provider:      users,
		Logger:        logger,
		OnRefresh: func(ctx context.Context, ev jwtguard.RefreshEvent) error {
			logger.InfoContext(ctx, "token refreshed", "old", jwtguard.Fingerprint(ev.OldToken)[:12])
			return nil
		},
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              demo.Addr,
		Handler:           routes(auth),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", demo.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg jwtguard.Config) (jwtguard.Store, func(), error) {
	if cfg.RedisAddr == "" {
		mem := jwtguard.NewMemoryStore(0)
		return mem, func() { _ = mem.Close() }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store, err := jwtguard.NewRedisStore(client, jwtguard.DefaultRedisPrefix)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return store, func() { _ = client.Close() }, nil
}

func routes(auth *jwtguard.Authenticator) http.Handler {
	protect := jwtguard.RefreshMiddleware(auth, jwtguard.MiddlewareOptions{})
	// logout must not rotate the token it is about to blacklist
	strict := jwtguard.Authenticate(auth, jwtguard.MiddlewareOptions{})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}

		token, err := auth.Guard(r).Attempt(r.Context(), jwtguard.Credentials{
			"email":    body.Email,
			"password": body.Password,
		})
		if err != nil {
			jwtguard.WriteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	})

	mux.Handle("GET /me", protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := jwtguard.UserFromContext(r.Context()).(*jwtguard.SQLUser)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "user not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":       user.ID,
			"name":     user.Name,
			"email":    user.Email,
			"is_admin": user.IsAdmin,
		})
	})))

	mux.HandleFunc("POST /refresh", func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.Guard(r).Refresh(r.Context(), false, false)
		if err != nil {
			jwtguard.WriteError(w, r, err)
			return
		}
		w.Header().Set(jwtguard.AuthorizationHeader, "Bearer "+token)
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	})

	mux.Handle("POST /logout", strict(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		guard, _ := jwtguard.GuardFromContext(r.Context())
		if err := guard.Logout(r.Context(), false); err != nil {
			jwtguard.WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})))

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
