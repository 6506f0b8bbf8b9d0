package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/peerchat/peerchat/internal/config"
	"github.com/peerchat/peerchat/internal/identity"
	"github.com/peerchat/peerchat/internal/logging"
	"github.com/peerchat/peerchat/internal/register"
	"github.com/peerchat/peerchat/internal/session"
	"github.com/peerchat/peerchat/internal/storage/secure"
	"github.com/peerchat/peerchat/internal/ui"
	"github.com/peerchat/peerchat/internal/xmpp"
	"github.com/peerchat/peerchat/internal/xmpp/ibr"
)

// credentials is the payload persisted to the at-rest store.
type credentials struct {
	JID      string `json:"jid"`
	Password string `json:"password"`
}

func main() {
	var (
		doRegister   = flag.Bool("register", false, "register a new identifier on the relay and exit")
		doUnregister = flag.Bool("unregister", false, "delete the stored account from the relay and exit")
		domain       = flag.String("domain", "", "domain for a newly registered identifier (defaults to relay.domain)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logger.Close()

	store, err := secure.Open(cfg.Storage.CredentialsFile)
	if err != nil {
		// The store is opportunistic; run without it.
		logger.Warn("credential store unavailable: %v", err)
		store = nil
	}

	directory := ibr.NewDirectory(cfg.Relay.Server, cfg.Relay.Port)
	service := register.NewService(directory, logger)

	switch {
	case *doRegister:
		if err := registerAccount(service, store, cfg, *domain); err != nil {
			log.Fatalf("Registration failed: %v", err)
		}
	case *doUnregister:
		if err := unregisterAccount(service, store); err != nil {
			log.Fatalf("Unregistration failed: %v", err)
		}
	default:
		if err := runClient(cfg, store, logger); err != nil {
			log.Fatalf("%v", err)
		}
	}
}

func registerAccount(service *register.Service, store *secure.Store, cfg *config.Config, domain string) error {
	if domain == "" {
		domain = cfg.Relay.Domain
	}

	addr, err := identity.Resolve(domain)
	if err != nil {
		return err
	}
	password := uuid.NewString()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := service.Register(ctx, addr, password); err != nil {
		return err
	}

	account := config.Account{JID: addr.Bare().String(), Password: password}
	accounts, err := config.LoadAccounts()
	if err != nil {
		return err
	}
	accounts.Accounts = append(accounts.Accounts, account)
	if err := config.SaveAccounts(accounts); err != nil {
		return err
	}
	if store != nil {
		if err := store.Store(credentials(account)); err != nil {
			return fmt.Errorf("account registered but not persisted to store: %w", err)
		}
	}

	fmt.Printf("registered %s\n", addr.Bare())
	return nil
}

func unregisterAccount(service *register.Service, store *secure.Store) error {
	account, err := firstAccount(store)
	if err != nil {
		return err
	}
	addr, err := jid.Parse(account.JID)
	if err != nil {
		return fmt.Errorf("stored identifier is invalid: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := service.Unregister(ctx, addr, account.Password); err != nil {
		return err
	}

	fmt.Printf("unregistered %s\n", addr.Bare())
	return nil
}

func runClient(cfg *config.Config, store *secure.Store, logger *logging.Logger) error {
	account, err := firstAccount(store)
	if err != nil {
		return err
	}
	addr, err := jid.Parse(account.JID)
	if err != nil {
		return fmt.Errorf("stored identifier is invalid: %w", err)
	}

	dialer := xmpp.NewDialer(cfg.Relay.Server, cfg.Relay.Port, logger)
	sess := session.Dial(dialer, addr, account.Password, logger)
	defer sess.Disconnect()

	if err := sess.WaitOnline(30 * time.Second); err != nil {
		return fmt.Errorf("could not reach relay %s: %w", cfg.Relay.Server, err)
	}

	model := ui.NewModel(sess, addr.Bare().String())
	p := tea.NewProgram(model, tea.WithAltScreen())

	sess.SetMessageCallback(func(from jid.JID, body string) {
		p.Send(ui.InboundMsg{From: from, Body: body})
	})

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
	return nil
}

// firstAccount prefers accounts.toml and falls back to the credential
// store.
func firstAccount(store *secure.Store) (config.Account, error) {
	accounts, err := config.LoadAccounts()
	if err == nil && len(accounts.Accounts) > 0 {
		return accounts.Accounts[0], nil
	}

	if store != nil {
		var creds credentials
		if err := store.Retrieve(&creds); err == nil {
			return config.Account(creds), nil
		} else if !errors.Is(err, secure.ErrCorruptStore) {
			return config.Account{}, err
		}
	}

	return config.Account{}, errors.New("no account configured, run with -register first")
}
