// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Compliance configuration
	SaveComplianceConfig(ctx context.Context, tenantID string, cfg *ComplianceConfig) error
	GetComplianceConfig(ctx context.Context, tenantID string) (*ComplianceConfig, error)

	// Risk profiles
	CreateProfile(ctx context.Context, tenantID string, profile *UserRiskProfile) error
	GetProfile(ctx context.Context, tenantID string, user string) (*UserRiskProfile, error)
	SaveProfile(ctx context.Context, tenantID string, profile *UserRiskProfile) error

	// Risk registry and whitelist
	UpsertRegistryEntry(ctx context.Context, tenantID string, entry *RiskRegistryEntry) error
	GetRegistryEntry(ctx context.Context, tenantID string, address string) (*RiskRegistryEntry, error)
	UpsertWhitelistEntry(ctx context.Context, tenantID string, entry *WhitelistEntry) error
	GetWhitelistEntry(ctx context.Context, tenantID string, address string) (*WhitelistEntry, error)

	// Transaction records (insert-only)
	SaveRecord(ctx context.Context, tenantID string, rec *TransactionRecord) error
	GetRecord(ctx context.Context, tenantID string, recordID string) (*TransactionRecord, error)
	ListRecordsByUser(ctx context.Context, tenantID string, user string, since time.Time) ([]*TransactionRecord, error)

	// Custom rule configurations
	SaveCustomRule(ctx context.Context, tenantID string, rule *CustomRule) error
	ListCustomRules(ctx context.Context, tenantID string) ([]*CustomRule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
