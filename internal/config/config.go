package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"crowdchain/escrow-backend/internal/coordinator"
	"crowdchain/escrow-backend/internal/ledger"
)

// Config represents the application configuration
type Config struct {
	Server         ServerConfig          `json:"server"`
	Mongo          MongoConfig           `json:"mongo"`
	Database       DatabaseConfig        `json:"database"`
	Ledger         ledger.EthereumConfig `json:"ledger"`
	Coordinator    coordinator.Config    `json:"coordinator"`
	Reconciliation ReconciliationConfig  `json:"reconciliation"`
	Security       SecurityConfig        `json:"security"`
	Evidence       EvidenceConfig        `json:"evidence"`
	Logging        LoggingConfig         `json:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// MongoConfig locates the mirror. An empty URI keeps the mirror in memory.
type MongoConfig struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
}

// DatabaseConfig is the Postgres database holding administrators and the
// audit log. An empty host disables both.
type DatabaseConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
}

// ReconciliationConfig controls the drift worker
type ReconciliationConfig struct {
	SweepSchedule string `json:"sweep_schedule"`
	AutoResync    bool   `json:"auto_resync"`
	WatchEvents   bool   `json:"watch_events"`
}

// SecurityConfig represents identity and administrator settings.
// Administrators is only consulted when no database is configured.
type SecurityConfig struct {
	JWTSecret      string        `json:"jwt_secret"`
	AdminCacheTTL  time.Duration `json:"admin_cache_ttl"`
	Administrators []string      `json:"administrators"`
}

// EvidenceConfig represents the S3 bucket holding milestone evidence
type EvidenceConfig struct {
	Enabled bool   `json:"enabled"`
	Bucket  string `json:"bucket"`
	Region  string `json:"region"`
}

// LoggingConfig represents logger settings
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// LoadConfig loads configuration from a .env file, the JSON file at
// configPath and environment variables, in increasing precedence.
func LoadConfig(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Mongo: MongoConfig{
			Database: "crowdchain",
		},
		Database: DatabaseConfig{
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "crowdchain",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
			MaxLifetime:    5 * time.Minute,
		},
		Ledger: ledger.EthereumConfig{
			ChainID:        31337,
			ReceiptTimeout: 2 * time.Minute,
			PollInterval:   15 * time.Second,
		},
		Coordinator: coordinator.DefaultConfig(),
		Reconciliation: ReconciliationConfig{
			SweepSchedule: "0 */10 * * * *",
			WatchEvents:   true,
		},
		Security: SecurityConfig{
			AdminCacheTTL: time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

func overrideWithEnv(config *Config) error {
	setString(&config.Server.Host, "SERVER_HOST")
	if err := setInt(&config.Server.Port, "SERVER_PORT"); err != nil {
		return err
	}

	setString(&config.Mongo.URI, "MONGO_URI")
	setString(&config.Mongo.Database, "MONGO_DATABASE")

	setString(&config.Database.Host, "DATABASE_HOST")
	if err := setInt(&config.Database.Port, "DATABASE_PORT"); err != nil {
		return err
	}
	setString(&config.Database.User, "DATABASE_USER")
	setString(&config.Database.Password, "DATABASE_PASSWORD")
	setString(&config.Database.DBName, "DATABASE_DBNAME")
	setString(&config.Database.SSLMode, "DATABASE_SSLMODE")

	setString(&config.Ledger.RPCURL, "LEDGER_RPC_URL")
	setString(&config.Ledger.ContractAddress, "LEDGER_CONTRACT_ADDRESS")
	setString(&config.Ledger.RelayerKey, "LEDGER_RELAYER_KEY")
	if v := os.Getenv("LEDGER_CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid LEDGER_CHAIN_ID: %w", err)
		}
		config.Ledger.ChainID = id
	}
	if v := os.Getenv("LEDGER_START_BLOCK"); v != "" {
		block, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid LEDGER_START_BLOCK: %w", err)
		}
		config.Ledger.StartBlock = block
	}
	if err := setDuration(&config.Ledger.ReceiptTimeout, "LEDGER_RECEIPT_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&config.Ledger.PollInterval, "LEDGER_POLL_INTERVAL"); err != nil {
		return err
	}

	if err := setInt(&config.Coordinator.MaxAttempts, "COORDINATOR_MAX_ATTEMPTS"); err != nil {
		return err
	}
	if err := setDuration(&config.Coordinator.BaseDelay, "COORDINATOR_BASE_DELAY"); err != nil {
		return err
	}
	if err := setBool(&config.Coordinator.AllowSimulated, "COORDINATOR_ALLOW_SIMULATED"); err != nil {
		return err
	}

	setString(&config.Reconciliation.SweepSchedule, "RECONCILIATION_SCHEDULE")
	if err := setBool(&config.Reconciliation.AutoResync, "RECONCILIATION_AUTO_RESYNC"); err != nil {
		return err
	}
	if err := setBool(&config.Reconciliation.WatchEvents, "RECONCILIATION_WATCH_EVENTS"); err != nil {
		return err
	}

	setString(&config.Security.JWTSecret, "JWT_SECRET")
	if err := setDuration(&config.Security.AdminCacheTTL, "ADMIN_CACHE_TTL"); err != nil {
		return err
	}

	if err := setBool(&config.Evidence.Enabled, "EVIDENCE_ENABLED"); err != nil {
		return err
	}
	setString(&config.Evidence.Bucket, "EVIDENCE_BUCKET")
	setString(&config.Evidence.Region, "AWS_REGION")

	setString(&config.Logging.Level, "LOG_LEVEL")
	return setBool(&config.Logging.Development, "LOG_DEVELOPMENT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate checks the settings every binary needs
func (c *Config) Validate() error {
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required")
	}
	if c.Ledger.RPCURL == "" || c.Ledger.ContractAddress == "" {
		return fmt.Errorf("ledger.rpc_url and ledger.contract_address are required")
	}
	if c.Coordinator.MaxAttempts <= 0 {
		return fmt.Errorf("coordinator.max_attempts must be positive")
	}
	return nil
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
