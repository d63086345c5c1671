// Package api is the optional admin HTTP API: read-only ledger views, CSV
// export, backup listing and on-demand snapshots, behind Discord OAuth2 and
// HS256 bearer tokens.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/susu3304/ledgerbot/internal/backup"
	"github.com/susu3304/ledgerbot/internal/config"
	"github.com/susu3304/ledgerbot/internal/ledger"
	"github.com/susu3304/ledgerbot/internal/logging"
	"golang.org/x/oauth2"
)

const discordAPIBase = "https://discord.com/api"

// Backups is the part of the backup manager the API exposes.
type Backups interface {
	List() ([]backup.Info, error)
	Snapshot(ctx context.Context) (backup.Info, error)
}

type API struct {
	router      *mux.Router
	store       ledger.Store
	backups     Backups
	logger      logging.Logger
	bind        string
	oauthConfig *oauth2.Config
	jwtSecret   []byte
	admins      map[string]bool
	discordAPI  string
	httpClient  *http.Client
	states      oauthStates
	now         func() time.Time
}

func New(cfg *config.Config, store ledger.Store, backups Backups, logger logging.Logger) *API {
	a := &API{
		router:     mux.NewRouter(),
		store:      store,
		backups:    backups,
		logger:     logger.With("component", "api"),
		bind:       cfg.AdminBind,
		jwtSecret:  []byte(cfg.JWTSecret),
		admins:     make(map[string]bool),
		discordAPI: discordAPIBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.DiscordClientID,
			ClientSecret: cfg.DiscordClientSecret,
			RedirectURL:  cfg.DiscordRedirectURI,
			Scopes:       []string{"identify"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://discord.com/api/oauth2/authorize",
				TokenURL: "https://discord.com/api/oauth2/token",
			},
		},
	}
	for _, id := range cfg.AdminDiscordIDs {
		a.admins[id] = true
	}

	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	a.router.HandleFunc("/api/health", a.handleHealth).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Auth endpoints
	a.router.HandleFunc("/api/auth/login", a.handleLogin).Methods("GET")
	a.router.HandleFunc("/api/auth/callback", a.handleCallback).Methods("GET")

	// Protected endpoints
	protected := a.router.PathPrefix("/api").Subrouter()
	protected.Use(a.authMiddleware)

	protected.HandleFunc("/dashboard", a.handleDashboard).Methods("GET")
	protected.HandleFunc("/people", a.handlePeople).Methods("GET")
	protected.HandleFunc("/people/{id:[0-9]+}/history", a.handleHistory).Methods("GET")
	protected.HandleFunc("/export", a.handleExport).Methods("GET")
	protected.HandleFunc("/backups", a.handleListBackups).Methods("GET")
	protected.HandleFunc("/backups", a.handleCreateBackup).Methods("POST")
}

// Handler returns the router wrapped with CORS.
func (a *API) Handler() http.Handler {
	// Bearer tokens only, so credentials stay off with a wildcard origin.
	corsOptions := cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}
	return cors.New(corsOptions).Handler(a.router)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (a *API) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.bind,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info(ctx, "API server listening", "addr", a.bind)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
