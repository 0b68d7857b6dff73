// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrNotFound aliases the domain sentinel so callers on either side of
	// the package boundary compare against the same error.
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveComplianceConfig upserts the per-tenant configuration.
func (r *SQLRepository) SaveComplianceConfig(ctx context.Context, tenantID string, cfg *domain.ComplianceConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO compliance_configs (
			tenant_id, authority, high_value_threshold_usd, velocity_threshold,
			max_daily_volume_usd, is_active, total_flagged, total_blocked,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			authority = excluded.authority,
			high_value_threshold_usd = excluded.high_value_threshold_usd,
			velocity_threshold = excluded.velocity_threshold,
			max_daily_volume_usd = excluded.max_daily_volume_usd,
			is_active = excluded.is_active,
			total_flagged = excluded.total_flagged,
			total_blocked = excluded.total_blocked,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, cfg.Authority,
		int64(cfg.HighValueThresholdUSD), int64(cfg.VelocityThreshold), int64(cfg.MaxDailyVolumeUSD),
		boolToInt(cfg.IsActive), int64(cfg.TotalFlagged), int64(cfg.TotalBlocked),
		cfg.CreatedAt, cfg.UpdatedAt,
	)
	return err
}

// GetComplianceConfig retrieves the per-tenant configuration.
func (r *SQLRepository) GetComplianceConfig(ctx context.Context, tenantID string) (*domain.ComplianceConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, authority, high_value_threshold_usd, velocity_threshold,
			   max_daily_volume_usd, is_active, total_flagged, total_blocked,
			   created_at, updated_at
		FROM compliance_configs
		WHERE tenant_id = ?
	`

	var cfg domain.ComplianceConfig
	var highValue, velocity, maxVolume, flagged, blocked int64
	var active int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(
		&cfg.TenantID, &cfg.Authority,
		&highValue, &velocity, &maxVolume,
		&active, &flagged, &blocked,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.HighValueThresholdUSD = uint64(highValue)
	cfg.VelocityThreshold = uint64(velocity)
	cfg.MaxDailyVolumeUSD = uint64(maxVolume)
	cfg.IsActive = active == 1
	cfg.TotalFlagged = uint64(flagged)
	cfg.TotalBlocked = uint64(blocked)

	return &cfg, nil
}

// CreateProfile inserts a new risk profile. Returns ErrDuplicateProfile
// when the user already has one.
func (r *SQLRepository) CreateProfile(ctx context.Context, tenantID string, profile *domain.UserRiskProfile) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	existing, err := r.GetProfile(ctx, tenantID, profile.User)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: user %s", domain.ErrDuplicateProfile, profile.User)
	}

	return r.SaveProfile(ctx, tenantID, profile)
}

// GetProfile retrieves a risk profile with tenant isolation.
func (r *SQLRepository) GetProfile(ctx context.Context, tenantID string, user string) (*domain.UserRiskProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, user_id, kyc_level, risk_score,
			   total_tx_count, total_volume_usd, daily_tx_count, daily_volume_usd,
			   last_transaction_at, last_daily_reset_at,
			   is_flagged, is_blocked, flags, created_at, updated_at
		FROM risk_profiles
		WHERE tenant_id = ? AND user_id = ?
	`

	var p domain.UserRiskProfile
	var riskScore, totalCount, totalVolume, dailyCount, dailyVolume int64
	var flagged, blocked int
	var flags sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, user).Scan(
		&p.TenantID, &p.User, &p.KYCLevel, &riskScore,
		&totalCount, &totalVolume, &dailyCount, &dailyVolume,
		&p.LastTransactionAt, &p.LastDailyResetAt,
		&flagged, &blocked, &flags, &p.CreatedAt, &p.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.RiskScore = uint32(riskScore)
	p.TotalTransactionCount = uint64(totalCount)
	p.TotalVolumeUSD = uint64(totalVolume)
	p.DailyTransactionCount = uint64(dailyCount)
	p.DailyVolumeUSD = uint64(dailyVolume)
	p.IsFlagged = flagged == 1
	p.IsBlocked = blocked == 1

	if flags.Valid && flags.String != "" {
		json.Unmarshal([]byte(flags.String), &p.Flags)
	}

	return &p, nil
}

// SaveProfile upserts a risk profile.
func (r *SQLRepository) SaveProfile(ctx context.Context, tenantID string, profile *domain.UserRiskProfile) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	flags, _ := json.Marshal(profile.Flags)

	query := `
		INSERT INTO risk_profiles (
			tenant_id, user_id, kyc_level, risk_score,
			total_tx_count, total_volume_usd, daily_tx_count, daily_volume_usd,
			last_transaction_at, last_daily_reset_at,
			is_flagged, is_blocked, flags, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, user_id) DO UPDATE SET
			kyc_level = excluded.kyc_level,
			risk_score = excluded.risk_score,
			total_tx_count = excluded.total_tx_count,
			total_volume_usd = excluded.total_volume_usd,
			daily_tx_count = excluded.daily_tx_count,
			daily_volume_usd = excluded.daily_volume_usd,
			last_transaction_at = excluded.last_transaction_at,
			last_daily_reset_at = excluded.last_daily_reset_at,
			is_flagged = excluded.is_flagged,
			is_blocked = excluded.is_blocked,
			flags = excluded.flags,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, profile.User, string(profile.KYCLevel), int64(profile.RiskScore),
		int64(profile.TotalTransactionCount), int64(profile.TotalVolumeUSD),
		int64(profile.DailyTransactionCount), int64(profile.DailyVolumeUSD),
		profile.LastTransactionAt, profile.LastDailyResetAt,
		boolToInt(profile.IsFlagged), boolToInt(profile.IsBlocked),
		string(flags), profile.CreatedAt, profile.UpdatedAt,
	)
	return err
}

// UpsertRegistryEntry stores a high-risk registry entry.
func (r *SQLRepository) UpsertRegistryEntry(ctx context.Context, tenantID string, entry *domain.RiskRegistryEntry) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO risk_registry (
			tenant_id, address, category, level, description, active, added_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, address) DO UPDATE SET
			category = excluded.category,
			level = excluded.level,
			description = excluded.description,
			active = excluded.active,
			added_at = excluded.added_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, entry.Address, string(entry.Category), string(entry.Level),
		entry.Description, boolToInt(entry.Active), entry.AddedAt,
	)
	return err
}

// GetRegistryEntry retrieves a registry entry with tenant isolation.
func (r *SQLRepository) GetRegistryEntry(ctx context.Context, tenantID string, address string) (*domain.RiskRegistryEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, address, category, level, description, active, added_at
		FROM risk_registry
		WHERE tenant_id = ? AND address = ?
	`

	var e domain.RiskRegistryEntry
	var description sql.NullString
	var active int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, address).Scan(
		&e.TenantID, &e.Address, &e.Category, &e.Level,
		&description, &active, &e.AddedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Description = description.String
	e.Active = active == 1

	return &e, nil
}

// UpsertWhitelistEntry stores a whitelist entry.
func (r *SQLRepository) UpsertWhitelistEntry(ctx context.Context, tenantID string, entry *domain.WhitelistEntry) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO whitelist (tenant_id, address, active, added_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, address) DO UPDATE SET
			active = excluded.active,
			added_at = excluded.added_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, entry.Address, boolToInt(entry.Active), entry.AddedAt,
	)
	return err
}

// GetWhitelistEntry retrieves a whitelist entry with tenant isolation.
func (r *SQLRepository) GetWhitelistEntry(ctx context.Context, tenantID string, address string) (*domain.WhitelistEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, address, active, added_at
		FROM whitelist
		WHERE tenant_id = ? AND address = ?
	`

	var e domain.WhitelistEntry
	var active int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, address).Scan(
		&e.TenantID, &e.Address, &active, &e.AddedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Active = active == 1

	return &e, nil
}

// SaveRecord inserts a transaction record. Records are immutable; there is
// deliberately no update path.
func (r *SQLRepository) SaveRecord(ctx context.Context, tenantID string, rec *domain.TransactionRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	flags, _ := json.Marshal(rec.Flags)

	query := `
		INSERT INTO transaction_records (
			id, tenant_id, user_id, recipient, amount, amount_usd,
			type, verdict, flags, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.User, rec.Recipient,
		int64(rec.Amount), int64(rec.AmountUSD),
		string(rec.Type), string(rec.Verdict),
		string(flags), rec.ProcessedAt,
	)
	return err
}

// GetRecord retrieves a transaction record by ID with tenant isolation.
func (r *SQLRepository) GetRecord(ctx context.Context, tenantID string, recordID string) (*domain.TransactionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, user_id, recipient, amount, amount_usd,
			   type, verdict, flags, processed_at
		FROM transaction_records
		WHERE tenant_id = ? AND id = ?
	`

	rec, err := r.scanRecord(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListRecordsByUser retrieves a user's records since a point in time,
// newest first.
func (r *SQLRepository) ListRecordsByUser(ctx context.Context, tenantID string, user string, since time.Time) ([]*domain.TransactionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, user_id, recipient, amount, amount_usd,
			   type, verdict, flags, processed_at
		FROM transaction_records
		WHERE tenant_id = ? AND user_id = ? AND processed_at >= ?
		ORDER BY processed_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, user, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.TransactionRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveCustomRule upserts a custom rule configuration.
func (r *SQLRepository) SaveCustomRule(ctx context.Context, tenantID string, rule *domain.CustomRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO custom_rules (
			id, tenant_id, name, description, expression, severity, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			severity = excluded.severity,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Expression, string(rule.Severity), boolToInt(rule.Enabled),
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// ListCustomRules retrieves all enabled custom rules for a tenant.
func (r *SQLRepository) ListCustomRules(ctx context.Context, tenantID string) ([]*domain.CustomRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, expression, severity, enabled, created_at, updated_at
		FROM custom_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.CustomRule
	for rows.Next() {
		var cfg domain.CustomRule
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
			&cfg.Expression, &cfg.Severity, &enabled,
			&cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, err
		}

		cfg.Description = description.String
		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanRecord(row rowScanner) (*domain.TransactionRecord, error) {
	var rec domain.TransactionRecord
	var amount, amountUSD int64
	var flags sql.NullString

	if err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.User, &rec.Recipient,
		&amount, &amountUSD,
		&rec.Type, &rec.Verdict, &flags, &rec.ProcessedAt,
	); err != nil {
		return nil, err
	}

	rec.Amount = uint64(amount)
	rec.AmountUSD = uint64(amountUSD)
	if flags.Valid && flags.String != "" {
		json.Unmarshal([]byte(flags.String), &rec.Flags)
	}

	return &rec, nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
