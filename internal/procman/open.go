package procman

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kingrea/procman/internal/artifact"
	"github.com/kingrea/procman/internal/auth"
	"github.com/kingrea/procman/internal/config"
	"github.com/kingrea/procman/internal/i18n"
	"github.com/kingrea/procman/internal/logging"
	"github.com/kingrea/procman/internal/metrics"
	"github.com/kingrea/procman/internal/process"
	"github.com/kingrea/procman/internal/process/engine"
	"github.com/kingrea/procman/internal/process/modelstore"
	"github.com/kingrea/procman/internal/script"
	"github.com/kingrea/procman/internal/storage"
	"github.com/kingrea/procman/internal/storage/filestore"
	"github.com/kingrea/procman/internal/storage/memory"
	"github.com/kingrea/procman/internal/storage/postgres"
)

// OpenStorage builds the backend selected by cfg.
func OpenStorage(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Project.Storage.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverFile:
		return filestore.New(cfg.StoragePath())
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.Project.Storage.DSN)
	default:
		return nil, fmt.Errorf("procman: unknown storage driver %q", cfg.Project.Storage.Driver)
	}
}

// NewAuthorizer builds the session check selected by cfg.
func NewAuthorizer(cfg *config.Config) (auth.Authorizer, error) {
	switch cfg.Project.Auth.Mode {
	case config.AuthAllowAll:
		return auth.AllowAll{}, nil
	case config.AuthJWT:
		return auth.NewJWTAuthorizer([]byte(cfg.Project.Auth.Secret))
	default:
		return nil, fmt.Errorf("procman: unknown auth mode %q", cfg.Project.Auth.Mode)
	}
}

// Open wires a manager from configuration: it opens storage, loads stored
// definitions and instances, and seeds definitions from the configured
// directory when storage holds none.
func Open(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, mx *metrics.Metrics) (*Manager, error) {
	log = logging.OrDiscard(log)
	backend, err := OpenStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m, err := open(ctx, cfg, backend, log, mx)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return m, nil
}

func open(ctx context.Context, cfg *config.Config, backend storage.Store, log logrus.FieldLogger, mx *metrics.Metrics) (*Manager, error) {
	authorizer, err := NewAuthorizer(cfg)
	if err != nil {
		return nil, err
	}
	translator, err := i18n.Load(cfg.Project.I18n.Locale, cfg.CatalogPath())
	if err != nil {
		return nil, err
	}

	models := modelstore.New(backend,
		modelstore.WithLogger(log.WithField("component", "modelstore")),
		modelstore.WithMetrics(mx))
	validator := artifact.NewValidator(script.New(script.WithTimeout(cfg.ScriptTimeout())))
	eng := engine.New(models, backend,
		engine.WithValidator(validator),
		engine.WithLogger(log.WithField("component", "engine")),
		engine.WithMetrics(mx))
	models.SetInstanceIndex(eng)

	if err := models.Reload(ctx); err != nil {
		return nil, fmt.Errorf("procman: load definitions: %w", err)
	}
	if models.Current().Len() == 0 {
		if _, err := Seed(ctx, models, cfg.DefinitionsDir()); err != nil {
			return nil, err
		}
	}
	if err := eng.Load(ctx); err != nil {
		return nil, fmt.Errorf("procman: load instances: %w", err)
	}

	m := New(models, eng,
		WithAuthorizer(authorizer),
		WithTranslator(translator),
		WithLogger(log.WithField("component", "procman")),
		WithMetrics(mx))
	m.closer = backend.Close
	log.WithFields(logrus.Fields{
		"driver":      cfg.Project.Storage.Driver,
		"definitions": models.Current().Len(),
		"auth":        cfg.Project.Auth.Mode,
	}).Info("process manager ready")
	return m, nil
}

// Seed imports every structure document in dir and returns how many were
// imported. A missing directory imports nothing.
func Seed(ctx context.Context, models *modelstore.Store, dir string) (int, error) {
	files, err := process.DefinitionFiles(dir)
	if err != nil {
		return 0, err
	}
	for i, path := range files {
		def, err := process.LoadDefinitionFile(path)
		if err != nil {
			return i, err
		}
		if _, err := models.Import(ctx, def.Structure); err != nil {
			return i, fmt.Errorf("procman: import %s: %w", path, err)
		}
	}
	return len(files), nil
}
