package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	cfg "github.com/example/streamauth/internal/config"
	"github.com/example/streamauth/internal/credential"
	"github.com/example/streamauth/internal/metrics"
	"github.com/example/streamauth/internal/oauth"
	"github.com/example/streamauth/internal/revocation"
	"github.com/example/streamauth/internal/session"
	"github.com/example/streamauth/internal/storage"
	"github.com/example/streamauth/internal/token"
)

type App struct {
	cfg         *cfg.Config
	log         *zap.Logger
	DB          storage.DB
	tokens      *token.Service
	sessions    *session.Controller
	metrics     *metrics.Metrics
	rateLimiter *RateLimiter
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func newLogger(c *cfg.Config) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if c.Production() {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	zc.Level = level
	return zc.Build()
}

func openDB(c *cfg.Config, log *zap.Logger) (storage.DB, error) {
	switch c.DBAdapter {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(c.SQLiteFile), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
		s, err := storage.NewSQLiteDB(c.SQLiteFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		log.Info("using sqlite database", zap.String("file", c.SQLiteFile))
		return s, nil
	case "postgres":
		log.Info("applying database migrations", zap.String("dir", c.MigrationsDir))
		if err := storage.ApplyMigrations(c.MigrationsDir, c.PostgresDSN, log); err != nil {
			return nil, err
		}
		p, err := storage.NewPostgresDB(c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		log.Info("connected to postgres")
		return p, nil
	case "memory":
		log.Warn("using in-memory database (not recommended for production)")
		return storage.NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}
}

// stores holds the revocation sets and the OAuth state store, shared through
// Redis when REDIS_URL is set.
type stores struct {
	access  revocation.Store
	refresh revocation.Store
	states  oauth.StateStore
	redis   *redis.Client
}

func openStores(ctx context.Context, c *cfg.Config, log *zap.Logger) (*stores, error) {
	if c.RedisURL == "" {
		access, refresh := revocation.NewMemoryStore(), revocation.NewMemoryStore()
		states := oauth.NewMemoryStateStore()
		go access.Run(ctx, c.SweepInterval)
		go refresh.Run(ctx, c.SweepInterval)
		go states.Run(ctx, c.SweepInterval)
		log.Info("using in-memory revocation and state stores", zap.Duration("sweep_interval", c.SweepInterval))
		return &stores{access: access, refresh: refresh, states: states}, nil
	}

	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("using redis revocation and state stores", zap.String("addr", opts.Addr))
	return &stores{
		access:  revocation.NewRedisStore(client, "revoked:access:"),
		refresh: revocation.NewRedisStore(client, "revoked:refresh:"),
		states:  oauth.NewRedisStateStore(client),
		redis:   client,
	}, nil
}

func newApp(ctx context.Context, c *cfg.Config, log *zap.Logger, db storage.DB, st *stores, provider oauth.Exchanger, m *metrics.Metrics) (*App, error) {
	verifier, err := credential.NewVerifier(c.BcryptCost)
	if err != nil {
		return nil, err
	}
	tokens, err := token.NewService(token.Config{
		AccessSecret:   []byte(c.AccessSecret),
		RefreshSecret:  []byte(c.RefreshSecret),
		AccessTTL:      c.AccessTTL,
		RefreshTTL:     c.RefreshTTL,
		AccessRevoked:  st.access,
		RefreshRevoked: st.refresh,
		Logger:         log.Named("token"),
	})
	if err != nil {
		return nil, err
	}

	var coord *oauth.Coordinator
	if provider != nil {
		coord = oauth.NewCoordinator(oauth.Config{
			Provider:   provider,
			States:     st.states,
			Principals: db,
			StateTTL:   c.OAuthStateTTL,
			Logger:     log.Named("oauth"),
		})
	}

	limiter := NewRateLimiter(c.RateLimitPerMinute)
	go limiter.Run(ctx, c.SweepInterval)

	return &App{
		cfg:         c,
		log:         log,
		DB:          db,
		tokens:      tokens,
		sessions:    session.NewController(db, verifier, tokens, coord, log.Named("session")),
		metrics:     m,
		rateLimiter: limiter,
	}, nil
}

// Router builds the HTTP routes. The session routes are mounted under
// /api/v1/auth and again under /auth for existing clients.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")
	r.Handle("/metrics", a.metrics.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.APIKeyAuth)
	v1.Use(a.RateLimit)
	a.mountAuth(v1.PathPrefix("/auth").Subrouter())
	v1.Handle("/users/me", a.RequireAuth(http.HandlerFunc(a.HandleMe))).Methods("GET")

	legacy := r.PathPrefix("/auth").Subrouter()
	legacy.Use(a.APIKeyAuth)
	legacy.Use(a.RateLimit)
	a.mountAuth(legacy)

	// CORS preflight for every route
	r.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	return r
}

func (a *App) mountAuth(r *mux.Router) {
	r.HandleFunc("/login", a.HandleLogin).Methods("POST")
	r.HandleFunc("/signup", a.HandleSignup).Methods("POST")
	r.HandleFunc("/logout", a.HandleLogout).Methods("POST")
	r.HandleFunc("/status", a.HandleStatus).Methods("GET")
	r.HandleFunc("/refresh", a.HandleRefresh).Methods("POST")
	r.HandleFunc("/google/url", a.HandleGoogleURL).Methods("GET")
	r.HandleFunc("/google/callback", a.HandleGoogleCallback).Methods("GET")
	r.HandleFunc("/introspect", a.HandleTokenIntrospect).Methods("POST")
	r.HandleFunc("/revoke", a.HandleRevokeToken).Methods("POST")
}

func main() {
	c, err := cfg.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := newLogger(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(c, log)
	if err != nil {
		log.Fatal("database", zap.Error(err))
	}
	defer db.Close()

	st, err := openStores(ctx, c, log)
	if err != nil {
		log.Fatal("stores", zap.Error(err))
	}
	if st.redis != nil {
		defer st.redis.Close()
	}

	var provider oauth.Exchanger
	if c.OAuthEnabled() {
		provider = oauth.NewProvider(oauth.ProviderConfig{
			ClientID:     c.GoogleClientID,
			ClientSecret: c.GoogleClientSecret,
			RedirectURL:  c.GoogleCallbackURL,
			Timeout:      c.OAuthHTTPTimeout,
		})
	} else {
		log.Warn("GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET not set; google login disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := newApp(ctx, c, log, db, st, provider, metrics.New(reg))
	if err != nil {
		log.Fatal("init", zap.Error(err))
	}

	srv := &http.Server{
		Handler:      app.Router(),
		Addr:         ":" + c.Port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info("starting server", zap.String("port", c.Port), zap.String("db", c.DBAdapter))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
		return
	}
	log.Info("server exited properly")
}
