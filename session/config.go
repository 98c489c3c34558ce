package session

import (
	"sync"

	"murmur/config"
	"murmur/hotkey"
	"murmur/models"
)

const configKey = "session"

// Config is the user-facing session configuration.
type Config struct {
	Shortcut    string `json:"shortcut" validate:"required"`
	ActiveModel string `json:"active_model" validate:"required"`
	Language    string `json:"language" validate:"required,oneof=auto es en pt fr de it nl ca ru zh ja ko pl uk sv tr"`
}

func DefaultConfig() Config {
	return Config{
		Shortcut:    hotkey.DefaultShortcut,
		ActiveModel: models.DefaultModel,
		Language:    "auto",
	}
}

// KV is the persistence the session needs.
type KV interface {
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
}

// ConfigStore serializes read-modify-write cycles on the persisted Config.
// The model store writes active_model through it while the engine writes
// the other fields.
type ConfigStore struct {
	mu sync.Mutex
	kv KV
}

func NewConfigStore(kv KV) *ConfigStore {
	return &ConfigStore{kv: kv}
}

// Load returns the stored config. Missing or invalid fields take their
// defaults.
func (c *ConfigStore) Load() (Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

func (c *ConfigStore) load() (Config, error) {
	cfg := DefaultConfig()
	var stored Config
	found, err := c.kv.Get(configKey, &stored)
	if err != nil || !found {
		return cfg, err
	}
	def := DefaultConfig()
	if sc, err := hotkey.Parse(stored.Shortcut); err == nil {
		cfg.Shortcut = sc.String()
	}
	if _, ok := models.Lookup(stored.ActiveModel); ok {
		cfg.ActiveModel = stored.ActiveModel
	}
	cfg.Language = stored.Language
	if config.Validate(cfg) != nil {
		cfg.Language = def.Language
	}
	return cfg, nil
}

// Update applies fn and persists the result. Nothing is stored if the
// result does not validate.
func (c *ConfigStore) Update(fn func(*Config)) (Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, err := c.load()
	if err != nil {
		return cfg, err
	}
	next := cfg
	fn(&next)
	if err := config.Validate(next); err != nil {
		return cfg, err
	}
	if err := c.kv.Put(configKey, next); err != nil {
		return cfg, err
	}
	return next, nil
}

// PersistActiveModel is the model store's hook for active id changes.
func (c *ConfigStore) PersistActiveModel(id string) error {
	_, err := c.Update(func(cfg *Config) { cfg.ActiveModel = id })
	return err
}
