// ABOUTME: Offline user management and audit commands operating directly on the gateway database
// ABOUTME: A running gateway loads accounts at startup, so changes apply after restart

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/evdash-gateway/internal/auth"
	"github.com/2389/evdash-gateway/internal/config"
	"github.com/2389/evdash-gateway/internal/store"
)

var (
	errUserUsage  = errors.New("usage: evdash-gateway user add NAME [PASSWORD] | remove NAME | list")
	errAuditUsage = errors.New("usage: evdash-gateway audit [LIMIT]")
)

// userStore is what the user commands need: accounts plus the audit log.
type userStore interface {
	store.UserStore
	store.AuditStore
}

// openStore loads the config and opens the database it names.
func openStore() (*config.Config, *store.SQLiteStore, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, s, nil
}

func runUser(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return errUserUsage
	}

	cfg, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	return manageUsers(ctx, s, cfg, args, in, out)
}

// manageUsers runs one user subcommand against s.
func manageUsers(ctx context.Context, s userStore, cfg *config.Config, args []string, in io.Reader, out io.Writer) error {
	svc, err := auth.NewService(ctx, s, auth.Config{
		Secret:            []byte(cfg.Auth.TokenSecret),
		TokenLifetime:     cfg.Auth.TokenLifetime,
		MinPasswordLength: cfg.Auth.MinPasswordLength,
	}, auth.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}

	green := color.New(color.FgGreen)

	switch args[0] {
	case "add":
		if len(args) < 2 || len(args) > 3 {
			return errUserUsage
		}
		username := args[1]
		var password string
		if len(args) == 3 {
			password = args[2]
		} else {
			fmt.Fprintf(out, "Password for %s: ", username)
			line, err := bufio.NewReader(in).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		if err := svc.AddUser(ctx, username, password); err != nil {
			return fmt.Errorf("adding user %q: %w", username, err)
		}
		appendCLIAudit(ctx, s, out, store.AuditAddUser, username)
		green.Fprint(out, "✓ ")
		fmt.Fprintf(out, "user %s created\n", username)

	case "remove", "rm":
		if len(args) != 2 {
			return errUserUsage
		}
		if err := svc.RemoveUser(ctx, args[1]); err != nil {
			return fmt.Errorf("removing user %q: %w", args[1], err)
		}
		appendCLIAudit(ctx, s, out, store.AuditRemoveUser, args[1])
		green.Fprint(out, "✓ ")
		fmt.Fprintf(out, "user %s removed\n", args[1])

	case "list", "ls":
		for _, name := range svc.Usernames() {
			fmt.Fprintln(out, name)
		}

	default:
		return errUserUsage
	}
	return nil
}

// appendCLIAudit records a command line change. The change has already been
// applied, so a failure only produces a warning.
func appendCLIAudit(ctx context.Context, s store.AuditStore, out io.Writer, action store.AuditAction, target string) {
	err := s.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:  store.AuditActorCLI,
		Action: action,
		Target: target,
	})
	if err != nil {
		color.New(color.FgYellow).Fprintf(out, "warning: audit log not written: %v\n", err)
	}
}

func runAudit(ctx context.Context, args []string, out io.Writer) error {
	if len(args) > 1 {
		return errAuditUsage
	}
	limit := 20
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return errAuditUsage
		}
		limit = n
	}

	_, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	return listAudit(ctx, s, limit, out)
}

// listAudit prints the newest audit entries, one per line.
func listAudit(ctx context.Context, s store.AuditStore, limit int, out io.Writer) error {
	entries, err := s.ListAuditLog(ctx, store.AuditFilter{Limit: limit})
	if err != nil {
		return fmt.Errorf("listing audit log: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no audit entries")
		return nil
	}

	dim := color.New(color.Faint)
	for _, e := range entries {
		actor := e.Actor
		if actor == "" {
			actor = "-"
		}
		dim.Fprint(out, e.Timestamp.Local().Format(time.DateTime))
		fmt.Fprintf(out, "  %-8s %-12s %s\n", actor, e.Action, e.Target)
	}
	return nil
}
