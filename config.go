package httpcache

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the shape of the YAML configuration file read by the
// cmd/httpcache-proxy binary. It is distinct from Config: FileConfig
// describes how to build a Middleware plus the reverse-proxy wiring
// around it, whereas Config configures the Middleware itself.
//
// Grounded on the teacher's config.go, which reads origin/rule settings
// the same way with gopkg.in/yaml.v3.
type FileConfig struct {
	// Origin is the upstream URL to proxy to.
	Origin string `yaml:"origin"`
	// Host overrides the Host header sent upstream, for origins addressed
	// by IP. The TLS server name still comes from Origin.
	Host string `yaml:"host"`
	// Listen is the local address to listen on, e.g. ":8080".
	Listen string `yaml:"listen"`
	// Store selects the storage backend: "memory" (or empty) for an
	// in-memory store; any other value is opened as a SQLite database
	// file path.
	Store string `yaml:"store"`
	// Debug enables the debug header on every response.
	Debug bool `yaml:"debug"`
	// DebugHeader overrides DefaultDebugHeader.
	DebugHeader string `yaml:"debugHeader"`
	// DefaultMaxAge is applied by cmd/httpcache-proxy to any origin
	// response that carries neither Cache-Control nor Expires.
	DefaultMaxAge time.Duration `yaml:"defaultMaxAge"`
	// RefreshInterval, see Config.RefreshInterval.
	RefreshInterval time.Duration `yaml:"refreshInterval"`
}

// LoadFileConfig reads and parses a YAML configuration file.
func LoadFileConfig(filename string) (FileConfig, error) {
	var cfg FileConfig
	raw, err := os.ReadFile(filename)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(raw, &cfg)
	return cfg, err
}
