package config

import (
	"reflect"
	"sync"
)

// AppConfigStore holds the canonical application configuration and persists changes via a callback.
type AppConfigStore struct {
	mu      sync.RWMutex
	cfg     AppConfig
	persist func(AppConfig) error
}

// NewAppConfigStore constructs a configuration store seeded with the supplied configuration snapshot.
func NewAppConfigStore(initial AppConfig, persist func(AppConfig) error) (*AppConfigStore, error) {
	clone := initial.Clone()
	if err := clone.normalise(); err != nil {
		return nil, err
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return &AppConfigStore{mu: sync.RWMutex{}, cfg: clone, persist: persist}, nil
}

// Snapshot returns a deep copy of the current application configuration.
func (s *AppConfigStore) Snapshot() AppConfig {
	if s == nil {
		return DefaultAppConfig()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// SetStrategies replaces the configured strategy activations.
func (s *AppConfigStore) SetStrategies(specs []StrategySpec) error {
	if s == nil {
		return nil
	}
	sanitized := make([]StrategySpec, len(specs))
	for i, spec := range specs {
		cloned := spec.clone()
		cloned.normalize()
		sanitized[i] = cloned
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if reflect.DeepEqual(s.cfg.Strategies.Active, sanitized) {
		s.cfg.Strategies.Active = sanitized
		return nil
	}

	updated := s.cfg.Clone()
	updated.Strategies.Active = sanitized
	if err := updated.Validate(); err != nil {
		return err
	}

	if s.persist != nil {
		if err := s.persist(updated.Clone()); err != nil {
			return err
		}
	}

	s.cfg = updated
	return nil
}

// SetRisk replaces the risk limits section.
func (s *AppConfigStore) SetRisk(cfg RiskConfig) error {
	if s == nil {
		return nil
	}
	normalized := cfg
	normalized.applyDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if reflect.DeepEqual(s.cfg.Risk, normalized) {
		s.cfg.Risk = normalized
		return nil
	}

	updated := s.cfg.Clone()
	updated.Risk = normalized
	if err := updated.Validate(); err != nil {
		return err
	}

	if s.persist != nil {
		if err := s.persist(updated.Clone()); err != nil {
			return err
		}
	}

	s.cfg = updated
	return nil
}

// Replace swaps the entire application configuration snapshot.
func (s *AppConfigStore) Replace(cfg AppConfig) error {
	if s == nil {
		return nil
	}
	updated := cfg.Clone()
	if err := updated.normalise(); err != nil {
		return err
	}
	if err := updated.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if reflect.DeepEqual(s.cfg, updated) {
		s.cfg = updated
		return nil
	}

	if s.persist != nil {
		if err := s.persist(updated.Clone()); err != nil {
			return err
		}
	}

	s.cfg = updated
	return nil
}
