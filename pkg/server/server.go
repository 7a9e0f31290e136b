// Package server exposes the HTTP API and runs the background pollers
// that keep the statistics current.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/idtoken"

	"github.com/fasciatrack/fasciatrack/pkg/importer"
	"github.com/fasciatrack/fasciatrack/pkg/log"
	"github.com/fasciatrack/fasciatrack/pkg/storage"
)

type contextKey string

const emailContextKey contextKey = "email"

// tokenVerifier is a function that validates an OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the HTTP API and owns the consumption and invoice
// pollers.
type Server struct {
	orch    *importer.Orchestrator
	storage storage.Database

	listenAddr          string
	consumptionInterval time.Duration
	invoiceInterval     time.Duration

	adminEmails  []string
	oidcAudience string
	oidcVerifier tokenVerifier
	bypassAuth   bool
	serverName   string

	httpServer *http.Server

	// pricingPrimed gates the consumption poller until the invoice poller
	// has attempted its first pricing refresh.
	pricingPrimed chan struct{}
	pricingOnce   sync.Once

	// tokenValidator validates a bearer ID token, overridable in tests.
	tokenValidator func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(o *importer.Orchestrator, s storage.Database) *Server {
	srv := &Server{
		orch:           o,
		storage:        s,
		serverName:     "fasciatrack",
		tokenValidator: idtoken.Validate,
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	consumptionInterval := lflag.Duration("consumption-poll-interval", 6*time.Hour, "how often to poll for new consumption data (0 disables)")
	invoiceInterval := lflag.Duration("invoice-poll-interval", 24*time.Hour, "how often to poll for invoices and refresh pricing (0 disables)")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to call the API")
	oidcAudience := lflag.String("oidc-audience", "", "audience to validate on bearer ID tokens")
	oidcIssuer := lflag.String("oidc-issuer", "", "OIDC issuer for token verification (e.g. https://accounts.google.com)")
	bypassAuth := lflag.Bool("bypass-auth", false, "disable API authentication (development only)")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.consumptionInterval = *consumptionInterval
		srv.invoiceInterval = *invoiceInterval
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		srv.oidcAudience = *oidcAudience
		if *oidcIssuer != "" {
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
		srv.bypassAuth = *bypassAuth
		if !srv.bypassAuth && len(srv.adminEmails) == 0 {
			log.Ctx(context.Background()).Error("admin-emails is required unless bypass-auth is set")
			os.Exit(1)
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/update", s.handleUpdate)
	apiMux.HandleFunc("POST /api/import", s.handleImport)
	apiMux.HandleFunc("GET /api/history/consumption", s.handleHistoryConsumption)
	apiMux.HandleFunc("GET /api/history/cost", s.handleHistoryCost)
	apiMux.HandleFunc("GET /api/latest", s.handleLatest)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.serverNameMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and the pollers and blocks until the context
// is canceled or the server fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// the invoice poller must finish its first refresh before the first
	// consumption import, otherwise the earliest days are extended with an
	// empty price table and their cost points are never backfilled
	s.pricingPrimed = make(chan struct{})
	go s.pollConsumption(ctx)
	go s.pollInvoices(ctx)

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// pollConsumption runs incremental ticks at the configured interval. The
// first tick runs immediately so a fresh deploy doesn't wait hours for
// data.
func (s *Server) pollConsumption(ctx context.Context) {
	if s.consumptionInterval <= 0 {
		return
	}
	if s.pricingPrimed != nil {
		select {
		case <-s.pricingPrimed:
		case <-ctx.Done():
			return
		}
	}
	ticker := time.NewTicker(s.consumptionInterval)
	defer ticker.Stop()
	for {
		if err := s.orch.IncrementalTick(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "consumption poll failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pollInvoices(ctx context.Context) {
	if s.invoiceInterval <= 0 {
		s.releasePricingGate()
		return
	}
	ticker := time.NewTicker(s.invoiceInterval)
	defer ticker.Stop()
	for {
		if err := s.orch.RefreshPricing(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "invoice poll failed", slog.Any("error", err))
		}
		// a failed refresh still unblocks the consumption poller; it just
		// imports unpriced until the next invoice tick
		s.releasePricingGate()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) releasePricingGate() {
	if s.pricingPrimed == nil {
		return
	}
	s.pricingOnce.Do(func() { close(s.pricingPrimed) })
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) serverNameMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware sets the standard hardening headers on every
// response. The API only ever serves JSON but the headers cost nothing.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
