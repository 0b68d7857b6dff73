package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// GlobalTenantID is used for custom rules that apply to all tenants.
const GlobalTenantID = "*"

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	svc     *engine.Service
	custom  *rules.Engine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, svc *engine.Service, custom *rules.Engine, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		svc:     svc,
		custom:  custom,
		version: version,
	}
}

// Monitor handles POST /monitor requests.
func (h *Handler) Monitor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.MonitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	result, err := h.svc.Monitor(ctx, tenantID, &req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetRecord retrieves a transaction record by ID.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	recordID := chi.URLParam(r, "id")

	rec, err := h.repo.GetRecord(ctx, tenantID, recordID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// GetProfile retrieves a user's risk profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	user := chi.URLParam(r, "user")

	profile, err := h.repo.GetProfile(ctx, tenantID, user)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = domain.ErrProfileNotFound
		}
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// ListUserRecords retrieves a user's transaction records. The optional
// "since" query parameter (RFC 3339) bounds the window; the default is the
// last 24 hours.
func (h *Handler) ListUserRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	user := chi.URLParam(r, "user")

	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be RFC 3339",
			})
			return
		}
		since = parsed
	}

	records, err := h.repo.ListRecordsByUser(ctx, tenantID, user, since)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// RegisterProfileRequest is the request body for POST /profiles.
type RegisterProfileRequest struct {
	User     string          `json:"user"`
	KYCLevel domain.KYCLevel `json:"kycLevel"`
}

// RegisterProfile creates a risk profile for a user.
func (h *Handler) RegisterProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req RegisterProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.User == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "user is required",
		})
		return
	}
	if req.KYCLevel == "" {
		req.KYCLevel = domain.KYCNone
	}
	if !req.KYCLevel.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "kycLevel must be none, basic or enhanced",
		})
		return
	}

	profile, err := h.svc.RegisterProfile(ctx, tenantID, GetAuthority(ctx), req.User, req.KYCLevel)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, profile)
}

// BlendAIScoreRequest is the request body for POST /profiles/{user}/ai-score.
type BlendAIScoreRequest struct {
	AIScore   uint32   `json:"aiScore"`
	Anomalies []string `json:"anomalies,omitempty"`
}

// BlendAIScore folds an external AI risk score into a profile.
func (h *Handler) BlendAIScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	user := chi.URLParam(r, "user")

	var req BlendAIScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.AIScore > 100 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "aiScore must be between 0 and 100",
		})
		return
	}

	profile, err := h.svc.BlendAIScore(ctx, tenantID, GetAuthority(ctx), user, req.AIScore, req.Anomalies)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// UnblockRequest is the request body for POST /profiles/{user}/unblock.
type UnblockRequest struct {
	Reason string `json:"reason"`
}

// Unblock lifts a block from a profile.
func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	user := chi.URLParam(r, "user")

	var req UnblockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "reason is required",
		})
		return
	}

	profile, err := h.svc.Unblock(ctx, tenantID, GetAuthority(ctx), user, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// InitConfigRequest is the request body for POST /config.
type InitConfigRequest struct {
	Authority             string `json:"authority"`
	HighValueThresholdUSD uint64 `json:"highValueThresholdUsd"`
	VelocityThreshold     uint64 `json:"velocityThreshold"`
	MaxDailyVolumeUSD     uint64 `json:"maxDailyVolumeUsd"`
}

// InitConfig bootstraps the tenant's compliance configuration.
func (h *Handler) InitConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req InitConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	cfg := &domain.ComplianceConfig{
		TenantID:              tenantID,
		Authority:             req.Authority,
		HighValueThresholdUSD: req.HighValueThresholdUSD,
		VelocityThreshold:     req.VelocityThreshold,
		MaxDailyVolumeUSD:     req.MaxDailyVolumeUSD,
	}
	if err := h.svc.InitComplianceConfig(ctx, tenantID, cfg); err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, cfg)
}

// GetConfig retrieves the tenant's compliance configuration.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	cfg, err := h.repo.GetComplianceConfig(ctx, tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfig applies a partial configuration update.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var upd engine.ConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	cfg, err := h.svc.UpdateComplianceConfig(ctx, tenantID, GetAuthority(ctx), &upd)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

// AddHighRiskAddressRequest is the request body for POST /registry.
type AddHighRiskAddressRequest struct {
	Address     string              `json:"address"`
	Category    domain.RiskCategory `json:"category,omitempty"`
	Level       domain.Severity     `json:"level,omitempty"`
	Description string              `json:"description,omitempty"`
}

// AddHighRiskAddress adds an address to the risk registry.
func (h *Handler) AddHighRiskAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req AddHighRiskAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "address is required",
		})
		return
	}

	entry := &domain.RiskRegistryEntry{
		Address:     req.Address,
		Category:    req.Category,
		Level:       req.Level,
		Description: req.Description,
	}
	if err := h.svc.AddHighRiskAddress(ctx, tenantID, GetAuthority(ctx), entry); err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// GetRegistryEntry retrieves a risk registry entry by address.
func (h *Handler) GetRegistryEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	address := chi.URLParam(r, "address")

	entry, err := h.repo.GetRegistryEntry(ctx, tenantID, address)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// WhitelistAddressRequest is the request body for POST /whitelist.
type WhitelistAddressRequest struct {
	Address string `json:"address"`
}

// WhitelistAddress exempts an address from recipient screening.
func (h *Handler) WhitelistAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req WhitelistAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "address is required",
		})
		return
	}

	if err := h.svc.WhitelistAddress(ctx, tenantID, GetAuthority(ctx), req.Address); err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"address": req.Address,
		"status":  "whitelisted",
	})
}

// ListCustomRules returns all loaded custom rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via
// POST /custom-rules/reload.
func (h *Handler) ListCustomRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.custom.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// CreateCustomRuleRequest is the request body for creating a custom rule.
type CreateCustomRuleRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Expression  string          `json:"expression"`
	Severity    domain.Severity `json:"severity"`
	Enabled     bool            `json:"enabled"`
}

// CreateCustomRule creates a new custom rule and saves it to the database.
// Rules are saved globally (tenant_id = "*") so they apply to all tenants.
func (h *Handler) CreateCustomRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateCustomRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name and expression are required",
		})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Severity == "" {
		req.Severity = domain.SeverityLow
	}

	now := time.Now().UTC()
	rule := &domain.CustomRule{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Severity:    req.Severity,
		Enabled:     req.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Validate the CEL expression before anything is persisted.
	if err := h.custom.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveCustomRule(ctx, GlobalTenantID, rule); err != nil {
		slog.Error("failed to save custom rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	if rule.Enabled {
		if err := h.custom.LoadRule(rule); err != nil {
			slog.Error("failed to load custom rule", "id", rule.ID, "error", err)
		}
	}

	slog.Info("custom rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, rule)
}

// ReloadCustomRules reloads all custom rules from the database into the
// engine. This enables hot-reloading without server restart.
func (h *Handler) ReloadCustomRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbRules, err := h.repo.ListCustomRules(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list custom rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.custom.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload custom rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("custom rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps pipeline errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrProfileNotFound), errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateProfile):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrOracleUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrModuleInactive):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidConfiguration):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
