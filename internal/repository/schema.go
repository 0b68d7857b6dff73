package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaComplianceConfigs = `
CREATE TABLE IF NOT EXISTS compliance_configs (
    tenant_id TEXT PRIMARY KEY,
    authority TEXT NOT NULL,
    high_value_threshold_usd BIGINT NOT NULL,
    velocity_threshold BIGINT NOT NULL,
    max_daily_volume_usd BIGINT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    total_flagged BIGINT NOT NULL DEFAULT 0,
    total_blocked BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaRiskProfiles = `
CREATE TABLE IF NOT EXISTS risk_profiles (
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    kyc_level TEXT NOT NULL,
    risk_score INTEGER NOT NULL DEFAULT 0,
    total_tx_count BIGINT NOT NULL DEFAULT 0,
    total_volume_usd BIGINT NOT NULL DEFAULT 0,
    daily_tx_count BIGINT NOT NULL DEFAULT 0,
    daily_volume_usd BIGINT NOT NULL DEFAULT 0,
    last_transaction_at TIMESTAMP NOT NULL,
    last_daily_reset_at TIMESTAMP NOT NULL,
    is_flagged INTEGER NOT NULL DEFAULT 0,
    is_blocked INTEGER NOT NULL DEFAULT 0,
    flags TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_risk_profiles_flagged ON risk_profiles(tenant_id, is_flagged);
CREATE INDEX IF NOT EXISTS idx_risk_profiles_blocked ON risk_profiles(tenant_id, is_blocked);
`

const schemaRiskRegistry = `
CREATE TABLE IF NOT EXISTS risk_registry (
    tenant_id TEXT NOT NULL,
    address TEXT NOT NULL,
    category TEXT NOT NULL,
    level TEXT NOT NULL,
    description TEXT,
    active INTEGER NOT NULL DEFAULT 1,
    added_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, address)
);

CREATE INDEX IF NOT EXISTS idx_risk_registry_active ON risk_registry(tenant_id, active);
`

const schemaWhitelist = `
CREATE TABLE IF NOT EXISTS whitelist (
    tenant_id TEXT NOT NULL,
    address TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    added_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, address)
);
`

// schemaTransactionRecords holds the immutable audit trail. Records are
// insert-only; there is no update path.
const schemaTransactionRecords = `
CREATE TABLE IF NOT EXISTS transaction_records (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    recipient TEXT NOT NULL,
    amount BIGINT NOT NULL,
    amount_usd BIGINT NOT NULL,
    type TEXT NOT NULL,
    verdict TEXT NOT NULL,
    flags TEXT,
    processed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_tenant ON transaction_records(tenant_id);
CREATE INDEX IF NOT EXISTS idx_records_user ON transaction_records(tenant_id, user_id, processed_at);
CREATE INDEX IF NOT EXISTS idx_records_verdict ON transaction_records(tenant_id, verdict);
`

const schemaCustomRules = `
CREATE TABLE IF NOT EXISTS custom_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    severity TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_custom_rules_enabled ON custom_rules(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaComplianceConfigs,
		schemaRiskProfiles,
		schemaRiskRegistry,
		schemaWhitelist,
		schemaTransactionRecords,
		schemaCustomRules,
	}
}
