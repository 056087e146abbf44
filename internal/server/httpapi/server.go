// Package httpapi exposes the account service over HTTP/JSON.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
)

// Accounts is the service surface the handlers call.
type Accounts interface {
	Register(ctx context.Context, email, password string) (*services.AuthResult, error)
	Login(ctx context.Context, email, password string) (*services.AuthResult, error)
	ResetPassword(ctx context.Context, email string) (string, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	UpdateUser(ctx context.Context, id string, changes services.UserChanges) (*models.User, error)
	BlockUser(ctx context.Context, id string) (*models.User, error)
	UnblockUser(ctx context.Context, id string) (*models.User, error)
	DeleteUser(ctx context.Context, id string) (*models.User, error)
	DeleteUserByEmail(ctx context.Context, email string) (*models.User, error)
}

type HTTPServer struct {
	address         string
	accounts        Accounts
	tokens          auth.TokenValidator
	adminSecret     string
	logger          logging.Logger
	metrics         *metrics.Metrics
	shutdownTimeout time.Duration
	now             func() time.Time
}

func NewHTTPServer(address string, l logging.Logger, accounts Accounts, tokens auth.TokenValidator, m *metrics.Metrics, adminSecret string, shutdownTimeout time.Duration) *HTTPServer {
	return &HTTPServer{
		address:         address,
		accounts:        accounts,
		tokens:          tokens,
		adminSecret:     adminSecret,
		logger:          l.With("module", "http_server"),
		metrics:         m,
		shutdownTimeout: shutdownTimeout,
		now:             time.Now,
	}
}

// Handler returns the fully wired router.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	guard := auth.Guard(s.tokens, s.logger)
	admin := auth.AdminSecretGuard(s.adminSecret)

	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("POST /api/auth/register", s.register)
	mux.HandleFunc("POST /api/auth/login", s.login)

	mux.Handle("GET /api/users", guard(http.HandlerFunc(s.listUsers)))
	mux.Handle("POST /api/users/reset-password", guard(http.HandlerFunc(s.resetPassword)))
	mux.Handle("GET /api/users/{id}", guard(http.HandlerFunc(s.getUser)))
	mux.Handle("PUT /api/users/{id}", guard(http.HandlerFunc(s.updateUser)))
	mux.Handle("DELETE /api/users/{id}", guard(http.HandlerFunc(s.deleteUser)))
	mux.Handle("POST /api/users/{id}/block", guard(http.HandlerFunc(s.blockUser)))
	mux.Handle("POST /api/users/{id}/unblock", guard(http.HandlerFunc(s.unblockUser)))

	mux.Handle("DELETE /admin/user/{email}", admin(http.HandlerFunc(s.adminDeleteUser)))

	return s.withLogging(mux)
}

// Run serves until ctx is done, then drains in-flight requests for up to
// the shutdown timeout.
func (s *HTTPServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Starting HTTP server", "address", listen.Addr().String())
		errCh <- srv.Serve(listen)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info(ctx, "Stopping HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
