// Package server wires the auth service together: database, migrations,
// services, the HTTP and gRPC front ends and the session purger.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dmitrijs2005/gophauth/internal/cryptox"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/config"
	"github.com/dmitrijs2005/gophauth/internal/server/google"
	"github.com/dmitrijs2005/gophauth/internal/server/guard"
	"github.com/dmitrijs2005/gophauth/internal/server/httpapi"
	"github.com/dmitrijs2005/gophauth/internal/server/mailer"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophauth/internal/server/services"

	gs "github.com/dmitrijs2005/gophauth/internal/server/grpc"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config      *config.Config
	logger      logging.Logger
	db          *sql.DB
	userService *services.UserService
	authService *services.AuthService
	decoder     guard.Decoder
}

// NewApp connects to the database, applies migrations and builds the
// services.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.New(os.Stdout, c.LogFormat, c.LogLevel)

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	deps, err := collaborators(ctx, c, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	us := services.NewUserService(db, rm, cryptox.NewBcryptHasher(c.BcryptCost), logger)
	as := services.NewAuthService(db, rm, us, c, deps, logger)

	return &App{
		config:      c,
		logger:      logger,
		db:          db,
		userService: us,
		authService: as,
		decoder:     guard.JWTDecoder([]byte(c.SecretKey)),
	}, nil
}

// collaborators picks the external integrations enabled by the config.
func collaborators(ctx context.Context, c *config.Config, l logging.Logger) (services.AuthDeps, error) {
	var deps services.AuthDeps

	if c.SMTPHost != "" {
		m, err := mailer.New(mailer.SMTPConfig{
			Host:     c.SMTPHost,
			Port:     c.SMTPPort,
			Username: c.SMTPUser,
			Password: c.SMTPPassword,
			From:     c.SMTPFrom,
		}, l)
		if err != nil {
			return deps, fmt.Errorf("mailer init error: %w", err)
		}
		deps.Notifier = m
	} else {
		deps.Notifier = mailer.NewLogNotifier(l)
	}

	if c.GoogleClientID != "" {
		v, err := google.NewVerifier(ctx, c.GoogleClientID)
		if err != nil {
			return deps, fmt.Errorf("google verifier init error: %w", err)
		}
		deps.Google = v
	}

	return deps, nil
}

func (app *App) Users() *services.UserService { return app.userService }
func (app *App) Auth() *services.AuthService  { return app.authService }
func (app *App) Logger() logging.Logger       { return app.logger }

// Close releases the database pool.
func (app *App) Close() error { return app.db.Close() }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.decoder)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, "grpc server failed", "error", err)
		cancelFunc()
	}
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	srv := &http.Server{
		Addr: app.config.EndpointAddrHTTP,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Users:   app.userService,
			Auth:    app.authService,
			Decoder: app.decoder,
			Logger:  app.logger,
			Health:  app.db.PingContext,
			// Cookies are only marked Secure when the app itself is served over TLS.
			SecureCookies: strings.HasPrefix(app.config.AppBaseURL, "https://"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		app.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error(ctx, "http shutdown failed", "error", err)
		}
	}()

	app.logger.Info(ctx, "Starting HTTP server", "address", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, "http server failed", "error", err)
		cancelFunc()
	}
}

type sessionPurger interface {
	PurgeExpiredSessions(ctx context.Context) (int64, error)
}

// runSessionPurger deletes expired sessions every interval until ctx ends.
func runSessionPurger(ctx context.Context, us sessionPurger, interval time.Duration, l logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := us.PurgeExpiredSessions(ctx); err != nil && ctx.Err() == nil {
				l.Error(ctx, "session purge failed", "error", err)
			}
		}
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		runSessionPurger(ctx, app.userService, app.config.SessionPurgeInterval, app.logger)
	}()

	wg.Wait()

	if err := app.Close(); err != nil {
		app.logger.Error(ctx, "db close failed", "error", err)
	}
	app.logger.Info(ctx, "App stopped")
}
