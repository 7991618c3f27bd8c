// Package app wires a workspace into ready-to-use components: environment,
// configuration, logger, both stores and the services built on them.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"leadline/internal/companies"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/logging"
	"leadline/internal/migrate"
	"leadline/internal/sending"
	"leadline/internal/targeting"
	"leadline/internal/transport"
)

// Context is the per-invocation wiring of one workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	Log       logging.Logger
	Engine    engine.Engine

	outreach  *sql.DB
	companies *sql.DB
	sender    transport.Sender
}

// LoadEnv reads <workspace>/.env into the process environment. Variables
// already set win over the file.
func LoadEnv(workspace string) error {
	path := filepath.Join(workspaceOrDot(workspace), ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Open loads configuration, builds the logger and opens the outreach store,
// migrating it to the latest schema. The companies store is opened on first
// use, so commands that never read it work without the file.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*Context, error) {
	workspace = workspaceOrDot(workspace)
	if cfg == nil {
		loaded, err := config.LoadOptional(workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Name: cfg.Databases.Outreach})
	if err != nil {
		return nil, fmt.Errorf("open outreach store: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate outreach store: %w", err)
	}
	log.Debug("outreach store ready", logging.String("path", db.Path(db.Config{Workspace: workspace, Name: cfg.Databases.Outreach})))
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		Log:       log,
		Engine:    engine.New(conn, cfg, log),
		outreach:  conn,
	}, nil
}

// Close releases both stores and flushes the logger.
func (c *Context) Close() error {
	var errs []error
	if c.companies != nil {
		errs = append(errs, c.companies.Close())
	}
	if c.outreach != nil {
		errs = append(errs, c.outreach.Close())
	}
	_ = c.Log.Sync()
	return errors.Join(errs...)
}

// Companies opens the read-only companies store.
func (c *Context) Companies() (companies.Store, error) {
	if c.companies == nil {
		conn, err := db.OpenReadOnly(db.Config{Workspace: c.Workspace, Name: c.Config.Databases.Companies})
		if err != nil {
			return companies.Store{}, fmt.Errorf("open companies store: %w", err)
		}
		c.companies = conn
	}
	return companies.Store{DB: c.companies}, nil
}

// Selector builds the targeting selector over both stores.
func (c *Context) Selector() (targeting.Selector, error) {
	store, err := c.Companies()
	if err != nil {
		return targeting.Selector{}, err
	}
	return targeting.Selector{
		Repo:        c.Engine.Repo,
		Companies:   store,
		Suppression: c.Engine.Suppression,
		Config:      c.Config.Targeting,
		Log:         c.Log.With(logging.String("component", "targeting")),
		Now:         c.Engine.Now,
	}, nil
}

// Sender builds the send-state machine. The transport is built from config
// once per context; with kind none only dry-run campaigns can be processed.
func (c *Context) Sender(ctx context.Context) (sending.Engine, error) {
	if c.sender == nil {
		s, err := NewTransport(ctx, c.Config.Transport)
		if err != nil {
			return sending.Engine{}, err
		}
		c.sender = s
	}
	return sending.Engine{
		Repo:        c.Engine.Repo,
		Events:      c.Engine.Events,
		Suppression: c.Engine.Suppression,
		Renderer:    c.Engine.Renderer,
		Transport:   c.sender,
		Config:      c.Config.Sending,
		Log:         c.Log.With(logging.String("component", "sending")),
		Now:         c.Engine.Now,
	}, nil
}

// NewTransport returns the configured outbound transport, or nil for kind none.
func NewTransport(ctx context.Context, cfg config.Transport) (transport.Sender, error) {
	switch cfg.Kind {
	case "", config.TransportNone:
		return nil, nil
	case config.TransportSES:
		s, err := transport.NewSES(ctx, transport.SESConfig{
			Region:    cfg.SES.Region,
			AccessKey: cfg.SES.AccessKey,
			SecretKey: cfg.SES.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", domain.ErrNoTransport, cfg.Kind)
	}
}

func workspaceOrDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
