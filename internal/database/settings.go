package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/flowpbx/rcschat/internal/database/models"
)

// Settings keys for messaging feature flags.
const (
	SettingCPMEnabled  = "messaging.cpm_enabled"
	SettingOP01Enabled = "messaging.op01_enabled"
	SettingSecureMSRP  = "messaging.secure_msrp"
)

// systemConfigRepo implements SystemConfigRepository with an in-memory cache.
type systemConfigRepo struct {
	db    *DB
	mu    sync.RWMutex
	cache map[string]string
}

// NewSystemConfigRepository creates a new SystemConfigRepository backed by the
// given database. It loads all config into memory on creation.
func NewSystemConfigRepository(ctx context.Context, db *DB) (SystemConfigRepository, error) {
	repo := &systemConfigRepo{
		db:    db,
		cache: make(map[string]string),
	}

	if err := repo.loadAll(ctx); err != nil {
		return nil, fmt.Errorf("loading system config: %w", err)
	}

	return repo, nil
}

// Get returns the value for the given key. Returns empty string if not found.
func (r *systemConfigRepo) Get(_ context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[key], nil
}

// Set inserts or updates a key-value pair in both the database and cache.
func (r *systemConfigRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO system_config (key, value, updated_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("setting config %q: %w", key, err)
	}

	r.mu.Lock()
	r.cache[key] = value
	r.mu.Unlock()

	return nil
}

// GetAll returns all system config entries.
func (r *systemConfigRepo) GetAll(ctx context.Context) ([]models.SystemConfig, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, key, value, updated_at FROM system_config ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("querying system config: %w", err)
	}
	defer rows.Close()

	var configs []models.SystemConfig
	for rows.Next() {
		var c models.SystemConfig
		if err := rows.Scan(&c.ID, &c.Key, &c.Value, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning system config row: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (r *systemConfigRepo) loadAll(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, "SELECT key, value FROM system_config")
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("querying system config: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scanning config row: %w", err)
		}
		r.cache[key] = value
	}

	return rows.Err()
}

// FeatureDefaults holds the flag values used when a key is absent from the
// settings store.
type FeatureDefaults struct {
	CPM        bool
	OP01       bool
	SecureMSRP bool
}

// Settings exposes the messaging feature flags stored in system_config.
// Values are read on every call so changes made through the API apply to
// the next session without a restart.
type Settings struct {
	repo     SystemConfigRepository
	defaults FeatureDefaults
	logger   *slog.Logger
}

// NewSettings creates a typed view over repo.
func NewSettings(repo SystemConfigRepository, defaults FeatureDefaults, logger *slog.Logger) *Settings {
	return &Settings{
		repo:     repo,
		defaults: defaults,
		logger:   logger.With("subsystem", "settings"),
	}
}

// CPMSupported reports whether the OMA CPM profile is enabled.
func (s *Settings) CPMSupported(ctx context.Context) bool {
	return s.boolValue(ctx, SettingCPMEnabled, s.defaults.CPM)
}

// CarrierCompatibility reports whether the OP01 carrier mode is enabled.
func (s *Settings) CarrierCompatibility(ctx context.Context) bool {
	return s.boolValue(ctx, SettingOP01Enabled, s.defaults.OP01)
}

// SecureMessaging reports whether MSRP sessions are offered over TLS.
func (s *Settings) SecureMessaging(ctx context.Context) bool {
	return s.boolValue(ctx, SettingSecureMSRP, s.defaults.SecureMSRP)
}

// SetFlag stores a boolean flag.
func (s *Settings) SetFlag(ctx context.Context, key string, value bool) error {
	switch key {
	case SettingCPMEnabled, SettingOP01Enabled, SettingSecureMSRP:
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return s.repo.Set(ctx, key, strconv.FormatBool(value))
}

// Flags returns the effective value of every feature flag.
func (s *Settings) Flags(ctx context.Context) map[string]bool {
	return map[string]bool{
		SettingCPMEnabled:  s.CPMSupported(ctx),
		SettingOP01Enabled: s.CarrierCompatibility(ctx),
		SettingSecureMSRP:  s.SecureMessaging(ctx),
	}
}

func (s *Settings) boolValue(ctx context.Context, key string, def bool) bool {
	raw, err := s.repo.Get(ctx, key)
	if err != nil {
		s.logger.Warn("failed to read setting, using default", "key", key, "error", err)
		return def
	}
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		s.logger.Warn("invalid boolean setting, using default", "key", key, "value", raw)
		return def
	}
	return v
}
