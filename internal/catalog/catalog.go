// Package catalog keeps the list of AI models users may pick from, synced
// from the AvalAI public model list, and decides who may use which model.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pyamooz/pyamooz-chat/internal/audit"
	"github.com/pyamooz/pyamooz-chat/internal/auth"
	"github.com/pyamooz/pyamooz-chat/internal/db"
	"github.com/pyamooz/pyamooz-chat/internal/llm/provider/avalai"
	"github.com/pyamooz/pyamooz-chat/internal/metrics"
)

// Tiers, cheapest first.
const (
	TierFree       = "free"
	TierBasic      = "basic"
	TierPremium    = "premium"
	TierEnterprise = "enterprise"
)

// ErrNotFound is returned for unknown or inaccessible models.
var ErrNotFound = errors.New("model not found")

// Source provides the remote model list.
type Source interface {
	Fetch(ctx context.Context, force bool) ([]avalai.RemoteModel, error)
}

// SyncStats summarizes one sync run.
type SyncStats struct {
	Total       int `json:"total"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Deactivated int `json:"deactivated"`
	Errors      int `json:"errors"`
}

// Filter narrows Available. Nil pointers do not filter.
type Filter struct {
	Tier            string
	Provider        string
	Vision          *bool
	FunctionCalling *bool
}

// Capabilities is the decoded capabilities column.
type Capabilities struct {
	SupportsVision          bool `json:"supports_vision"`
	SupportsFunctionCalling bool `json:"supports_function_calling"`
	SupportsToolChoice      bool `json:"supports_tool_choice"`
	SupportsResponseSchema  bool `json:"supports_response_schema"`
}

// Service is the model catalog.
type Service struct {
	store  db.CatalogStore
	source Source
	audit  audit.Logger
	logger *zap.Logger
	now    func() time.Time

	group    singleflight.Group
	lazyOnce sync.Once
}

// NewService wires the catalog. auditLog may be nil.
func NewService(store db.CatalogStore, source Source, auditLog audit.Logger, logger *zap.Logger) *Service {
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, source: source, audit: auditLog, logger: logger, now: time.Now}
}

// Sync pulls the remote list and upserts it. Concurrent callers share one
// run. Models missing from the list are deactivated.
func (s *Service) Sync(ctx context.Context, force bool) (SyncStats, error) {
	v, err, shared := s.group.Do("sync", func() (any, error) {
		return s.sync(ctx, force)
	})
	if shared {
		s.logger.Debug("joined in-flight model sync")
	}
	stats, _ := v.(SyncStats)
	return stats, err
}

func (s *Service) sync(ctx context.Context, force bool) (SyncStats, error) {
	var stats SyncStats
	remote, err := s.source.Fetch(ctx, force)
	if err != nil {
		metrics.CatalogSyncsTotal.WithLabelValues("failed").Inc()
		_ = s.audit.Log(ctx, audit.NewEvent(audit.EventModelsSynced).WithResult(audit.ResultFailure).WithError(err, "fetch"))
		return stats, fmt.Errorf("fetch remote models: %w", err)
	}
	if len(remote) == 0 {
		metrics.CatalogSyncsTotal.WithLabelValues("empty").Inc()
		return stats, errors.New("remote model list is empty")
	}

	stats.Total = len(remote)
	keep := make(map[string][]string)
	for _, m := range remote {
		rec, err := toRecord(m, s.now())
		if err != nil {
			s.logger.Warn("skipping model", zap.String("model_id", m.ID), zap.Error(err))
			stats.Errors++
			continue
		}
		created, err := s.store.UpsertModel(ctx, rec)
		if err != nil {
			s.logger.Warn("upsert model failed", zap.String("model_id", m.ID), zap.Error(err))
			stats.Errors++
			continue
		}
		if created {
			stats.Created++
		} else {
			stats.Updated++
		}
		keep[rec.Provider] = append(keep[rec.Provider], rec.ModelID)
	}

	active, err := s.store.ListModels(ctx, db.ModelFilter{ActiveOnly: true})
	if err != nil {
		return stats, err
	}
	for _, m := range active {
		if _, ok := keep[m.Provider]; !ok {
			keep[m.Provider] = nil
		}
	}
	for p, ids := range keep {
		n, err := s.store.DeactivateModelsExcept(ctx, p, ids)
		if err != nil {
			return stats, err
		}
		stats.Deactivated += n
	}

	metrics.CatalogSyncsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("models synced",
		zap.Int("total", stats.Total), zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated), zap.Int("deactivated", stats.Deactivated),
		zap.Int("errors", stats.Errors))
	_ = s.audit.Log(ctx, audit.NewEvent(audit.EventModelsSynced).
		WithResult(audit.ResultSuccess).
		WithMetadata("created", stats.Created).
		WithMetadata("updated", stats.Updated).
		WithMetadata("deactivated", stats.Deactivated))
	return stats, nil
}

// ensureSynced runs one background-free sync the first time the catalog is
// found empty.
func (s *Service) ensureSynced(ctx context.Context) {
	s.lazyOnce.Do(func() {
		n, err := s.store.CountModels(ctx)
		if err != nil || n > 0 {
			return
		}
		if _, err := s.Sync(ctx, false); err != nil {
			s.logger.Warn("initial model sync failed", zap.Error(err))
		}
	})
}

// Available lists the active models the caller may use.
func (s *Service) Available(ctx context.Context, id auth.Identity, f Filter) ([]*db.ModelRecord, error) {
	s.ensureSynced(ctx)

	base := db.ModelFilter{ActiveOnly: true, Provider: f.Provider}
	if f.Tier != "" {
		base.Tiers = []string{f.Tier}
	}

	var out []*db.ModelRecord
	switch {
	case id.IsAdmin():
		models, err := s.store.ListModels(ctx, base)
		if err != nil {
			return nil, err
		}
		out = models
	default:
		free := base
		if f.Tier == "" || f.Tier == TierFree {
			free.Tiers = []string{TierFree}
		} else {
			free.Tiers = []string{}
		}
		models, err := s.store.ListModels(ctx, free)
		if err != nil {
			return nil, err
		}
		out = models

		if id.IsAuthenticated() {
			granted, err := s.store.GrantedModelIDs(ctx, id.UserID, s.now())
			if err != nil {
				return nil, err
			}
			extra := base
			extra.ModelIDs = granted
			if extra.ModelIDs == nil {
				extra.ModelIDs = []string{}
			}
			more, err := s.store.ListModels(ctx, extra)
			if err != nil {
				return nil, err
			}
			out = mergeModels(out, more)
		}
	}

	filtered := out[:0]
	for _, m := range out {
		if matchesCapabilities(m, f) {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// Get returns a model if the caller may use it.
func (s *Service) Get(ctx context.Context, id auth.Identity, modelID string) (*db.ModelRecord, error) {
	m, err := s.store.GetModel(ctx, modelID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ok, err := s.allowed(ctx, id, m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// CheckAccess reports whether the caller may use modelID.
func (s *Service) CheckAccess(ctx context.Context, id auth.Identity, modelID string) (bool, error) {
	_, err := s.Get(ctx, id, modelID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) allowed(ctx context.Context, id auth.Identity, m *db.ModelRecord) (bool, error) {
	if !m.IsActive {
		return false, nil
	}
	if id.IsAdmin() || m.Tier == TierFree {
		return true, nil
	}
	if !id.IsAuthenticated() {
		return false, nil
	}
	granted, err := s.store.GrantedModelIDs(ctx, id.UserID, s.now())
	if err != nil {
		return false, err
	}
	for _, g := range granted {
		if g == m.ModelID {
			return true, nil
		}
	}
	return false, nil
}

// Grant gives userID access to modelID until expires (nil for no expiry).
func (s *Service) Grant(ctx context.Context, admin auth.Identity, userID, modelID string, expires *time.Time) (*db.PermissionRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user_id is required")
	}
	rec := &db.PermissionRecord{UserID: userID, ModelID: modelID, GrantedBy: admin.UserID, IsActive: true}
	if expires != nil {
		rec.ExpiresAt = &db.Timestamp{Time: expires.UTC()}
	}
	if err := s.store.GrantModel(ctx, rec); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = s.audit.Log(ctx, audit.NewEvent(audit.EventModelGranted).
		WithUser(admin.UserID, "").
		WithResult(audit.ResultSuccess).
		WithMetadata("grantee", userID).
		WithMetadata("model_id", modelID))
	return rec, nil
}

// DetermineTier maps a remote model's min_tier and input price to a tier.
func DetermineTier(m avalai.RemoteModel) string {
	price := m.InputPrice()
	switch {
	case m.MinTier >= 3 || price > 0.01:
		return TierEnterprise
	case m.MinTier >= 2 || price > 0.001:
		return TierPremium
	case m.MinTier >= 1:
		return TierBasic
	default:
		return TierFree
	}
}

// DisplayName turns a model id like "gpt-4o-mini" into "GPT 4o Mini".
func DisplayName(modelID string) string {
	name := strings.ReplaceAll(modelID, "openai.", "")
	name = strings.ReplaceAll(name, ":0", "")

	parts := strings.Split(name, "-")
	if len(parts) == 1 {
		return capitalize(name)
	}
	for i, p := range parts {
		switch {
		case isBrand(p):
			parts[i] = strings.ToUpper(p)
		case strings.IndexFunc(p, unicode.IsDigit) >= 0:
		default:
			parts[i] = capitalize(p)
		}
	}
	return strings.Join(parts, " ")
}

func isBrand(s string) bool {
	switch strings.ToLower(s) {
	case "gpt", "claude", "llama":
		return true
	}
	return false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func toRecord(m avalai.RemoteModel, now time.Time) (*db.ModelRecord, error) {
	limits := map[string]int{
		"max_requests_per_minute": orDefault(m.MaxRequestsPerMinute, 60),
		"max_tokens_per_minute":   orDefault(m.MaxTokensPerMinute, 150000),
		"max_tokens":              orDefault(m.MaxTokens, 4096),
		"max_input_tokens":        orDefault(m.MaxInputTokens, 4096),
		"max_output_tokens":       orDefault(m.MaxOutputTokens, 4096),
	}
	caps := Capabilities{
		SupportsVision:          m.SupportsVision,
		SupportsFunctionCalling: m.SupportsFunctionCalling,
		SupportsToolChoice:      m.SupportsToolChoice,
		SupportsResponseSchema:  m.SupportsResponseSchema,
	}
	pricing := m.Pricing
	if pricing == nil {
		pricing = map[string]any{}
	}

	limitsJSON, err := json.Marshal(limits)
	if err != nil {
		return nil, err
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, err
	}
	pricingJSON, err := json.Marshal(pricing)
	if err != nil {
		return nil, err
	}
	meta := types.JSONText(m.Raw)
	if len(meta) == 0 {
		meta = types.JSONText("{}")
	}

	providerName := m.OwnedBy
	if providerName == "" {
		providerName = "unknown"
	}
	return &db.ModelRecord{
		ModelID:      m.ID,
		DisplayName:  DisplayName(m.ID),
		Provider:     strings.ToLower(providerName),
		Tier:         DetermineTier(m),
		IsActive:     true,
		Limits:       types.JSONText(limitsJSON),
		Capabilities: types.JSONText(capsJSON),
		Pricing:      types.JSONText(pricingJSON),
		Metadata:     meta,
		LastSynced:   db.Timestamp{Time: now.UTC()},
	}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// DecodeCapabilities reads a model's capabilities column.
func DecodeCapabilities(m *db.ModelRecord) Capabilities {
	var c Capabilities
	_ = m.Capabilities.Unmarshal(&c)
	return c
}

func matchesCapabilities(m *db.ModelRecord, f Filter) bool {
	if f.Vision == nil && f.FunctionCalling == nil {
		return true
	}
	c := DecodeCapabilities(m)
	if f.Vision != nil && c.SupportsVision != *f.Vision {
		return false
	}
	if f.FunctionCalling != nil && c.SupportsFunctionCalling != *f.FunctionCalling {
		return false
	}
	return true
}

func mergeModels(a, b []*db.ModelRecord) []*db.ModelRecord {
	seen := make(map[string]bool, len(a))
	for _, m := range a {
		seen[m.ModelID] = true
	}
	for _, m := range b {
		if !seen[m.ModelID] {
			seen[m.ModelID] = true
			a = append(a, m)
		}
	}
	return a
}
