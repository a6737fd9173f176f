package store

import "fmt"

// legacyConfigKey and legacyStateKey are the pre-registry, single-server
// layout this system's predecessor used before multi-server support.
const (
	legacyConfigKey = "bot_config"
	legacyStateKey  = "bot_state"
	unknownServer   = "unknown_server"
)

// Migrate runs the idempotent legacy-layout migration described in
// spec.md §6 "Migration": if bot_config_registry is missing and a legacy
// bot_config blob exists, the legacy config/state are moved under a
// best-guess server key (falling back to "unknown_server") and a
// version:2 registry is written. Running Migrate twice leaves the store
// byte-identical after the first run (spec.md §8 property 10), because the
// second run finds KeyConfigRegistry already present and returns
// immediately.
func Migrate(s Store, guessServerKey func() string) error {
	var existing ServerRegistry
	found, err := s.Load(KeyConfigRegistry, &existing)
	if err != nil {
		return fmt.Errorf("migrate: load registry: %w", err)
	}
	if found {
		return nil // already migrated
	}

	var legacyConfig map[string]interface{}
	hasLegacyConfig, err := s.Load(legacyConfigKey, &legacyConfig)
	if err != nil {
		return fmt.Errorf("migrate: load legacy config: %w", err)
	}

	registry := ServerRegistry{
		Servers: map[string]ServerRegistryEntry{},
		Version: RegistryVersion,
	}

	if hasLegacyConfig {
		serverKey := unknownServer
		if guessServerKey != nil {
			if guess := guessServerKey(); guess != "" {
				serverKey = guess
			}
		}

		if err := s.Save(KeyConfig(serverKey), legacyConfig); err != nil {
			return fmt.Errorf("migrate: write new config for %s: %w", serverKey, err)
		}

		var legacyState map[string]interface{}
		hasLegacyState, err := s.Load(legacyStateKey, &legacyState)
		if err != nil {
			return fmt.Errorf("migrate: load legacy state: %w", err)
		}
		if hasLegacyState {
			if err := s.Save(KeyState(serverKey), legacyState); err != nil {
				return fmt.Errorf("migrate: write new state for %s: %w", serverKey, err)
			}
		}

		registry.Servers[serverKey] = ServerRegistryEntry{Label: serverKey}
	}

	if err := s.Save(KeyConfigRegistry, registry); err != nil {
		return fmt.Errorf("migrate: write registry: %w", err)
	}
	return nil
}
