package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailmirror/mailmirror/internal/api"
	"github.com/mailmirror/mailmirror/internal/credential"
	"github.com/mailmirror/mailmirror/internal/imapx"
	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/internal/store"
	"github.com/mailmirror/mailmirror/internal/sync"
	"github.com/mailmirror/mailmirror/internal/syncback"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mailmirrord:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured in %s", *configPath)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	opTimeout := time.Duration(cfg.Sync.OperationTimeoutSec) * time.Second
	engine := sync.New(db, cfg.Sync, log, func(account model.Account) (*imapx.Conn, error) {
		settings, err := connSettings(account)
		if err != nil {
			return nil, err
		}
		return imapx.NewConn(settings, opTimeout, log), nil
	})

	ctx := context.Background()
	var runners []*syncback.Runner
	for _, ac := range cfg.Accounts {
		account := ac.Account()
		if err := db.UpsertAccount(ctx, account); err != nil {
			return err
		}
		engine.RegisterAccount(account)
		runners = append(runners, syncback.NewRunner(db, engine, cfg.Sync, log, account))
	}

	engine.Start()
	defer engine.Stop()
	for _, r := range runners {
		r.Start()
		defer r.Stop()
	}

	server := api.New(db, log, cfg.API.Listen)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// connSettings builds IMAP connection settings for an account,
// resolving its secret from the system keyring.
func connSettings(account model.Account) (imapx.Settings, error) {
	secret, err := credential.Get(account.ID)
	if err != nil {
		return imapx.Settings{}, fmt.Errorf("loading credential for %s: %w", account.Email, err)
	}

	settings := imapx.Settings{
		Host:     account.IMAPHost,
		Port:     account.IMAPPort,
		Username: account.Username,
	}

	switch account.AuthMethod {
	case model.AuthOAuth2:
		clientID, _ := credential.Get(account.ID + ":oauth_client_id")
		clientSecret, _ := credential.Get(account.ID + ":oauth_client_secret")
		settings.OAuth2 = &imapx.OAuth2Settings{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RefreshToken: secret,
		}
	default:
		settings.Password = secret
	}

	return settings, nil
}
