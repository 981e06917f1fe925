// Package app assembles the stores, the agent loop and the orchestrator from
// a workspace directory and its config. The CLI, the server and tests all
// build through here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sitewright/internal/config"
	"sitewright/internal/db"
	"sitewright/internal/domain"
	"sitewright/internal/engine"
	"sitewright/internal/events"
	"sitewright/internal/llm"
	"sitewright/internal/llm/mistral"
	"sitewright/internal/logging"
	"sitewright/internal/migrate"
	"sitewright/internal/orchestrator"
	"sitewright/internal/permissions"
	"sitewright/internal/registry"
	"sitewright/internal/repo"
	"sitewright/internal/runs"
	"sitewright/internal/state"
	"sitewright/internal/tools"
	"sitewright/internal/webhook"
	"sitewright/internal/workspace"
)

const (
	DefaultProject   = "default"
	ProjectsDir      = "projects"
	RunsDir          = "runs"
	PermissionsFile  = "permissions_runtime.json"
	MemoryFile       = "project_memory.json"
	LegacyPreviewDir = "preview"

	envAPIURL = "MISTRAL_API_URL"
)

type Options struct {
	// Workspace is the root directory; it holds the config file and, unless
	// the config points elsewhere, all data.
	Workspace string
	Config    *config.Config
	// Model overrides the provider client built from the config.
	Model  llm.Completer
	Logger *slog.Logger
}

type App struct {
	Root         string
	DataDir      string
	Config       *config.Config
	Logger       *slog.Logger
	DB           *sql.DB
	Repo         repo.Repo
	Workspace    *workspace.Store
	Gate         *permissions.Gate
	States       *state.Store
	Events       *events.Log
	Archive      runs.Archive
	Tools        *tools.Executor
	Engine       *engine.Engine
	Orchestrator *orchestrator.Orchestrator
	Model        llm.Completer
	// Provider is nil when Options.Model was injected.
	Provider *mistral.Client
}

// Build opens the catalog, runs migrations and wires every component.
func Build(ctx context.Context, opts Options) (*App, error) {
	root := opts.Workspace
	if root == "" {
		root = "."
	}
	logger := logging.OrNop(opts.Logger)
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(root); err != nil {
			return nil, err
		}
	}
	dataDir := root
	if dir := strings.TrimSpace(cfg.Workspace.Dir); dir != "" {
		dataDir = dir
		if !filepath.IsAbs(dir) {
			dataDir = filepath.Join(root, dir)
		}
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	cfg.SystemMap.MergeFromDir()

	conn, err := db.Open(db.Config{Workspace: dataDir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{
		Root:      root,
		DataDir:   dataDir,
		Config:    cfg,
		Logger:    logger,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Workspace: workspace.New(filepath.Join(dataDir, ProjectsDir)),
		Gate:      permissions.NewGate(registry.Open(filepath.Join(dataDir, PermissionsFile))),
		States:    state.NewStore(registry.Open(filepath.Join(dataDir, MemoryFile))),
		Events:    events.NewLog(events.FileSink{Dir: filepath.Join(dataDir, RunsDir)}, logger),
		Archive:   runs.Archive{Dir: filepath.Join(dataDir, RunsDir)},
		Model:     opts.Model,
	}
	if a.Model == nil {
		a.Provider = newProvider(cfg)
		a.Model = a.Provider
	}
	a.Tools = &tools.Executor{Workspace: a.Workspace, Gate: a.Gate, Events: a.Events, Model: a.Model, Logger: logger}
	a.Engine = &engine.Engine{
		Model:        a.Model,
		Tools:        a.Tools,
		Workspace:    a.Workspace,
		Gate:         a.Gate,
		Events:       a.Events,
		States:       a.States,
		Repo:         a.Repo,
		Archive:      a.Archive,
		Notifier:     webhook.NewDispatcher(cfg.Webhooks, logger),
		SystemMap:    cfg.SystemMap,
		DefaultModel: cfg.Agent.DefaultModel,
		MaxSteps:     cfg.Agent.MaxSteps,
		Logger:       logger,
	}
	a.Orchestrator = orchestrator.New(a.Engine, a.States, a.Model, logger)
	a.Orchestrator.DefaultModel = cfg.Agent.DefaultModel
	return a, nil
}

func newProvider(cfg *config.Config) *mistral.Client {
	baseURL := cfg.Provider.BaseURL
	if v := strings.TrimSpace(os.Getenv(envAPIURL)); v != "" {
		baseURL = v
	}
	keyEnv := cfg.Provider.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "MISTRAL_API_KEY"
	}
	var opts []mistral.Option
	if cfg.Provider.Timeout > 0 {
		opts = append(opts, mistral.WithTimeout(cfg.Provider.Timeout))
	}
	return mistral.NewClient(baseURL, os.Getenv(keyEnv), opts...)
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// Bootstrap provisions the default project and moves a legacy top-level
// preview folder into it. Both steps are best effort.
func (a *App) Bootstrap(ctx context.Context) []workspace.BestEffort {
	if err := a.EnsureProject(ctx, DefaultProject); err != nil {
		return []workspace.BestEffort{{Op: "ensure default project", Err: err}}
	}
	results := []workspace.BestEffort{
		a.Workspace.MigrateLegacyPreview(filepath.Join(a.DataDir, LegacyPreviewDir), DefaultProject),
		a.Workspace.SeedPreview(DefaultProject),
	}
	for _, r := range results {
		switch {
		case r.Failed():
			a.Logger.Warn("bootstrap step failed", "op", r.Op, "err", r.Err)
		case r.Skipped != "":
			a.Logger.Debug("bootstrap step skipped", "op", r.Op, "reason", r.Skipped)
		}
	}
	return results
}

// ResolveProject returns the project to act on: the override when given,
// otherwise the default project.
func ResolveProject(override string) (string, error) {
	id := strings.TrimSpace(override)
	if id == "" {
		return DefaultProject, nil
	}
	if !domain.ValidID(id) {
		return "", fmt.Errorf("%w: %q", workspace.ErrInvalidProject, id)
	}
	return id, nil
}

// EnsureProject provisions the workspace directory and the catalog row.
func (a *App) EnsureProject(ctx context.Context, id string) error {
	if _, err := a.Workspace.EnsureProject(id); err != nil {
		return err
	}
	return a.Repo.EnsureProject(ctx, id, time.Now().UTC().Format(time.RFC3339))
}

// CreateProject derives an id from a display name and provisions it.
func (a *App) CreateProject(ctx context.Context, name string) (string, error) {
	id, err := a.Workspace.CreateProject(name)
	if err != nil {
		return "", err
	}
	if err := a.EnsureProject(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// ListProjects merges catalog rows with workspace directories. The default
// project is always listed.
func (a *App) ListProjects(ctx context.Context) ([]string, error) {
	seen := map[string]bool{DefaultProject: true}
	rows, err := a.Repo.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range rows {
		seen[p.ID] = true
	}
	entries, err := os.ReadDir(a.Workspace.Dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() && domain.ValidID(e.Name()) {
			seen[e.Name()] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
