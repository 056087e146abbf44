// Package server initializes and runs the account server. It opens the
// configured user store, applies migrations, wires the account service and
// serves the HTTP API until a shutdown signal arrives.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/config"
	"github.com/dmitrijs2005/gophauth/internal/server/credentials"
	"github.com/dmitrijs2005/gophauth/internal/server/httpapi"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
)

type App struct {
	config         *config.Config
	logger         logging.Logger
	db             *sql.DB
	repomanager    repomanager.RepositoryManager
	metrics        *metrics.Metrics
	issuer         *auth.Issuer
	accountService *services.AccountService
}

// sqlDriverName maps a storage driver to its database/sql driver.
func sqlDriverName(driver string) (string, error) {
	switch driver {
	case config.DriverPostgres:
		return "pgx", nil
	case config.DriverSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func NewApp(c *config.Config) (*App, error) {
	logger := logging.NewJSONLogger(os.Stdout, c.LogLevel)

	m, err := repomanager.New(c.StorageDriver)
	if err != nil {
		return nil, err
	}

	driverName, err := sqlDriverName(c.StorageDriver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if c.StorageDriver == config.DriverSQLite {
		// one writer at a time; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
	}

	hasher, err := credentials.NewHasher(c.PasswordIterations)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("hasher init error: %w", err)
	}
	issuer, err := auth.NewIssuer([]byte(c.SecretKey), c.AccessTokenValidityDuration)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("token issuer init error: %w", err)
	}

	mt := metrics.New()
	as := services.NewAccountService(db, m, hasher, issuer,
		services.WithLogger(logger),
		services.WithRecorder(mt),
		services.WithMaxConcurrentHashes(c.MaxConcurrentHashes),
	)

	return &App{
		config:         c,
		logger:         logger,
		db:             db,
		repomanager:    m,
		metrics:        mt,
		issuer:         issuer,
		accountService: as,
	}, nil
}

func (app *App) initSignalHandler(ctx context.Context, cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			cancelFunc()
		case <-ctx.Done():
		}
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) error {
	s := httpapi.NewHTTPServer(
		app.config.EndpointAddrHTTP,
		app.logger,
		app.accountService,
		app.issuer,
		app.metrics,
		app.config.AdminSecret,
		app.config.ShutdownTimeout,
	)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
		return err
	}
	return nil
}

// Run applies migrations and serves until ctx is canceled or a signal
// arrives. The database is closed on return.
func (app *App) Run(ctx context.Context) error {
	defer func() { _ = app.db.Close() }()

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "storage", app.config.StorageDriver)

	if err := app.repomanager.RunMigrations(ctx, app.db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	app.initSignalHandler(ctx, cancelFunc)

	var wg sync.WaitGroup
	var runErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()
	app.logger.Info(context.Background(), "App stopped")
	return runErr
}
