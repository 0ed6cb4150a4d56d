package main

import (
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/auth"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/config"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/conflicts"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/database"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/entitycache"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/events"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/queue"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/syncer"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// syncCore holds the local store components shared by every command.
type syncCore struct {
	db     *gorm.DB
	bus    *events.Bus
	store  *queue.Store
	log    *conflicts.Log
	cache  *entitycache.Cache
	logger *zap.Logger
}

func openCore(appConfig config.AppConfig, origin string, logger *zap.Logger) (*syncCore, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(events.BusConfig{
		Origin:     origin,
		BufferSize: appConfig.EventsBufferSize,
	})
	core := &syncCore{db: db, bus: bus, logger: logger}

	core.store, err = queue.NewStore(queue.StoreConfig{
		Database:    db,
		KeyProvider: queue.NewUUIDKeyProvider(),
		Notifier:    bus,
		Logger:      logger,
	})
	if err != nil {
		core.Close()
		return nil, err
	}
	core.log, err = conflicts.NewLog(conflicts.LogConfig{Database: db, Logger: logger})
	if err != nil {
		core.Close()
		return nil, err
	}
	core.cache, err = entitycache.New(entitycache.Config{Database: db, Logger: logger})
	if err != nil {
		core.Close()
		return nil, err
	}
	return core, nil
}

func (c *syncCore) Close() {
	c.bus.Close()
	if err := database.Close(c.db); err != nil {
		c.logger.Warn("database close failed", zap.Error(err))
	}
}

func newOrchestrator(appConfig config.AppConfig, core *syncCore, logger *zap.Logger) (*syncer.Orchestrator, *transport.HealthProbe, error) {
	client, err := transport.NewClient(transport.ClientConfig{
		BaseURL:     appConfig.ServerBaseURL,
		WorkspaceID: appConfig.WorkspaceID,
		AccessToken: appConfig.AccessToken,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, err
	}
	probe := transport.NewHealthProbe(appConfig.ServerBaseURL, nil)

	orchestrator, err := syncer.NewOrchestrator(syncer.OrchestratorConfig{
		Store:        core.store,
		Log:          core.log,
		Cache:        core.cache,
		Transport:    client,
		Connectivity: probe,
		Publisher:    core.bus,
		Policy: syncer.RetryPolicy{
			InitialDelay: appConfig.InitialDelay(),
			MaxDelay:     appConfig.MaxDelay(),
			Factor:       appConfig.RetryFactor,
			MaxRetries:   appConfig.MaxRetries,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return orchestrator, probe, nil
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.ControlSigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.TokenTTL(),
	})
}
