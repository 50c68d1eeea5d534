// Package bootstrap builds the collaborators shared by the API server and
// the reconciliation worker from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"crowdchain/escrow-backend/internal/audit"
	"crowdchain/escrow-backend/internal/auth"
	"crowdchain/escrow-backend/internal/config"
	"crowdchain/escrow-backend/internal/evidence"
	"crowdchain/escrow-backend/internal/ledger"
	"crowdchain/escrow-backend/internal/mirror"
	"crowdchain/escrow-backend/pkg/storage"
)

// NewLogger builds the process logger
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

// Closer releases a resource opened here
type Closer func()

// OpenMirror connects to MongoDB and ensures the mirror indexes. Without a
// URI the mirror is kept in memory.
func OpenMirror(ctx context.Context, cfg config.MongoConfig, logger *zap.Logger) (mirror.Repository, Closer, error) {
	if cfg.URI == "" {
		logger.Warn("No Mongo URI configured, keeping the mirror in memory")
		return mirror.NewMemoryRepository(), func() {}, nil
	}

	client, err := mirror.Connect(ctx, cfg.URI)
	if err != nil {
		return nil, nil, err
	}
	repo := mirror.NewMongoRepository(client.Database(cfg.Database), logger)
	if err := repo.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, err
	}

	logger.Info("Connected to mirror", zap.String("database", cfg.Database))
	return repo, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil {
			logger.Warn("Failed to disconnect from mirror", zap.Error(err))
		}
	}, nil
}

// Governance bundles the administrator lookup and the audit log
type Governance struct {
	Authorizer auth.Authorizer
	Audit      audit.Recorder
}

// OpenGovernance connects to Postgres for the administrators table and the
// audit log. Without a database host, the configured administrators are
// used and audit entries stay in memory.
func OpenGovernance(cfg *config.Config, logger *zap.Logger) (*Governance, Closer, error) {
	if cfg.Database.Host == "" {
		logger.Warn("No database configured, using static administrators and in-memory audit log",
			zap.Int("administrators", len(cfg.Security.Administrators)))
		return &Governance{
			Authorizer: auth.NewStaticAuthorizer(cfg.Security.Administrators...),
			Audit:      audit.NewMemoryRecorder(),
		}, func() {}, nil
	}

	dsn := cfg.Database.GetDatabaseURL()
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	gdb, err := audit.OpenPostgres(dsn)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	recorder, err := audit.NewGormRecorder(gdb, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	authz := auth.NewSQLAuthorizer(db, cfg.Security.AdminCacheTTL, logger)
	logger.Info("Connected to database", zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.DBName))

	return &Governance{Authorizer: authz, Audit: recorder}, func() {
		authz.Close()
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
		db.Close()
	}, nil
}

// OpenEvidence returns the evidence checker, or nil when checks are disabled
func OpenEvidence(ctx context.Context, cfg config.EvidenceConfig, logger *zap.Logger) (*evidence.Checker, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	store, err := storage.NewS3Client(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}
	logger.Info("Evidence checks enabled", zap.String("bucket", cfg.Bucket))
	return evidence.NewChecker(store, cfg.Bucket, logger), nil
}

// DialLedger connects to the escrow contract and builds the relayer
// connection used to sign server-side calls.
func DialLedger(ctx context.Context, cfg ledger.EthereumConfig, logger *zap.Logger) (*ledger.EthereumClient, ledger.Connection, error) {
	client, err := ledger.DialEthereum(ctx, cfg, logger)
	if err != nil {
		return nil, ledger.Connection{}, err
	}
	if cfg.RelayerKey == "" {
		logger.Warn("No relayer key configured, ledger writes will be rejected")
		return client, ledger.Connection{}, nil
	}
	conn, err := ledger.KeyedConnection(cfg.RelayerKey, client.ChainID())
	if err != nil {
		client.Close()
		return nil, ledger.Connection{}, err
	}
	logger.Info("Relayer connection ready", zap.String("account", conn.Identity()))
	return client, conn, nil
}
