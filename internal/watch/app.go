// Package watch wires the session manager, the credential store and the push
// channel into a small terminal client that follows a PantMig account's
// notifications live.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Rosenorn-Solutions/pantmig-go/pkg/broadcast"
	"github.com/Rosenorn-Solutions/pantmig-go/pkg/credstore"
	"github.com/Rosenorn-Solutions/pantmig-go/pkg/notify"
	"github.com/Rosenorn-Solutions/pantmig-go/pkg/pantmig"
	"github.com/Rosenorn-Solutions/pantmig-go/pkg/slogx"
)

// Application holds the wired client stack for one watch session.
type Application struct {
	cfg    Config
	logger *slog.Logger

	creds   credstore.Store
	bus     broadcast.Broadcaster
	manager *pantmig.SessionManager

	notifications *notify.Store
	channel       *notify.ChannelClient

	closeCreds     func() error
	unsubscribeBus func()
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "pantmig-watch",
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := app.initCredentials(); err != nil {
		return nil, err
	}

	app.bus = broadcast.New(cfg.BusURL)
	app.manager = pantmig.NewSessionManager(cfg.APIBaseURL, app.creds, app.bus, app.logger)
	app.manager.OnSessionExpired = func(reason string) {
		fmt.Fprintln(os.Stderr, reason)
	}

	app.notifications = notify.NewStore(app.logger)
	app.channel = notify.NewChannelClient(
		cfg.ChannelURL,
		app.manager,
		app.manager.API(),
		app.notifications,
		app.logger,
	)
	app.channel.SnapshotSize = cfg.SnapshotSize
	app.channel.OnToast = app.printToast

	// Logout, whether local (session expiry) or from a peer context, tears
	// the notification subsystem down with the session: no reconnect loop
	// left running without credentials, no stale items left visible.
	app.unsubscribeBus = app.bus.Subscribe(func(msg broadcast.Message) {
		if msg.Kind != broadcast.KindLogout {
			return
		}
		app.logger.Info("session ended, stopping notification channel", "reason", msg.Reason)
		app.channel.Close()
		app.notifications.Reset()
	})

	return app, nil
}

// Run signs in, follows the push channel and blocks until interrupted.
func (app *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.signIn(ctx); err != nil {
		return err
	}
	session := app.manager.Session()
	app.logger.Info("watching notifications",
		"user", session.DisplayName,
		"role", session.Role,
	)

	go app.channel.Run(ctx)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	app.logger.Info("shutdown signal received", "signal", sig)

	return app.Shutdown()
}

// Shutdown stops the channel and releases every held resource.
func (app *Application) Shutdown() error {
	if app.unsubscribeBus != nil {
		app.unsubscribeBus()
	}
	app.channel.Close()
	app.manager.Close()
	app.bus.Close()

	if app.closeCreds != nil {
		if err := app.closeCreds(); err != nil {
			return fmt.Errorf("close credential store: %w", err)
		}
	}

	app.logger.Info("stopped")
	return nil
}

// signIn restores a stored session when one exists, otherwise logs in with
// the configured credentials.
func (app *Application) signIn(ctx context.Context) error {
	if err := app.manager.Rehydrate(ctx); err != nil {
		app.logger.Warn("stored session could not be restored", "error", err)
	}
	if app.manager.Session().Authenticated() {
		return nil
	}

	if app.cfg.Email == "" || app.cfg.Password == "" {
		return fmt.Errorf("no stored session and no PANTMIG_EMAIL/PANTMIG_PASSWORD configured")
	}

	result, err := app.manager.Login(ctx, app.cfg.Email, app.cfg.Password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if result.ErrorMessage != "" {
		return fmt.Errorf("login rejected: %s", result.ErrorMessage)
	}
	return nil
}

func (app *Application) initCredentials() error {
	if app.cfg.DatabaseFile == "" {
		app.creds = credstore.NewMemory()
		return nil
	}

	store, err := credstore.NewSQLite(app.cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	app.creds = store
	app.closeCreds = store.Close
	return nil
}

func (app *Application) printToast(n notify.Notification) {
	state := app.notifications.State()
	fmt.Printf("[%s] %s: %s (unread: %d)\n",
		n.CreatedAt.Local().Format("15:04:05"),
		n.Type,
		n.Message,
		state.UnreadCount,
	)
}
