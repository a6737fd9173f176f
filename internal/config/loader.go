package config

import (
	"bytes"
	"fmt"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader decodes a per-server Config from an optional YAML bootstrap
// document layered on Defaults(), with environment overrides for the keys
// that document sets, using viper the way the pack sibling
// joestump-claude-ops does.
// The persisted, RPC-managed copy of Config lives in the key/value store
// (internal/store) and is not routed through this loader after the first
// boot; Loader only seeds a server's very first Config when no persisted
// copy exists yet.
type Loader struct {
	envPrefix string
}

// NewLoader builds a Loader whose environment variables are named envPrefix,
// an underscore, then the upper-cased key path; nested keys keep their dot
// separator (no key replacer is installed).
func NewLoader(envPrefix string) *Loader {
	return &Loader{envPrefix: envPrefix}
}

// LoadYAML decodes a YAML document on top of Defaults(). A matching
// environment variable overrides a key only when the document sets that
// key; keys absent from the document keep their Defaults() value whatever
// the environment holds. An empty document yields pure Defaults().
func (l *Loader) LoadYAML(yamlDoc []byte) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(l.envPrefix)
	v.AutomaticEnv()

	if len(yamlDoc) > 0 {
		if err := v.ReadConfig(bytes.NewReader(yamlDoc)); err != nil {
			return Config{}, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// ExportYAML renders cfg as a YAML document for an operator to read or
// hand-edit outside the RPC surface; the persisted copy in the store
// remains JSON, this is a human-facing view only.
func ExportYAML(cfg Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: marshal yaml: %w", err)
	}
	return out, nil
}
