package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BDNK1/chatflow/cli/internal/security"
	httpplugin "github.com/BDNK1/chatflow/plugins/http"
	"github.com/BDNK1/chatflow/plugins/postgres"
	"github.com/BDNK1/chatflow/plugins/redis"
	"github.com/BDNK1/chatflow/plugins/sqlite"
	"github.com/BDNK1/chatflow/runtime"
	"github.com/BDNK1/chatflow/runtime/telemetry"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file read when --config is not given.
const DefaultFile = "chatflow.yaml"

// ServiceConfig represents the chatflow.yaml structure
type ServiceConfig struct {
	Server    ServerConfig                `json:"server"`
	FlowsDir  string                      `json:"flows_dir" default:"flows" validate:"required"`
	Manager   runtime.ManagerConfig       `json:"manager"`
	Store     StoreConfig                 `json:"store"`
	Redis     RedisConfig                 `json:"redis"`
	Scanner   ScannerConfig               `json:"scanner"`
	HTTP      httpplugin.Config           `json:"http"`
	Webhook   httpplugin.WebhookConfig    `json:"webhook"`
	LLM       httpplugin.CompletionConfig `json:"llm"`
	Telemetry telemetry.Config            `json:"telemetry"`
	LogLevel  string                      `json:"log_level" default:"info" validate:"oneof=debug info warn error"`

	// UnknownKeys lists config keys that matched no setting, usually typos.
	UnknownKeys []string `json:"-"`
}

type ServerConfig struct {
	Port            string        `json:"port" default:"8080" validate:"required,numeric"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" default:"15s" validate:"gte=1s"`
}

type StoreConfig struct {
	Driver   string          `json:"driver" default:"sqlite" validate:"oneof=memory sqlite postgres"`
	SQLite   sqlite.Config   `json:"sqlite"`
	Postgres postgres.Config `json:"postgres"`
}

// RedisConfig enables the persistent pending-message buffer.
type RedisConfig struct {
	Enabled      bool `json:"enabled"`
	redis.Config `json:",squash"`
}

type ScannerConfig struct {
	Interval time.Duration `json:"interval" default:"30s" validate:"gte=1s"`
	Batch    int           `json:"batch" default:"100" validate:"gte=1"`
}

// Load reads the service config at path. A missing file is only accepted for
// the default path, in which case defaults and the environment apply. The
// flows directory is resolved relative to the config file and may not
// escape it.
func Load(path string) (*ServiceConfig, error) {
	raw := map[string]any{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultFile:
	default:
		return nil, fmt.Errorf("failed to read config from %q: %w", path, err)
	}

	if err := ResolveEnvVars(raw, os.LookupEnv); err != nil {
		return nil, err
	}

	var cfg ServiceConfig
	unknown, err := runtime.InitializeConfigStrict(&cfg, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfg.UnknownKeys = unknown

	flowsDir, err := security.ResolveWithin(filepath.Dir(path), cfg.FlowsDir)
	if err != nil {
		return nil, fmt.Errorf("invalid flows_dir: %w", err)
	}
	cfg.FlowsDir = flowsDir
	return &cfg, nil
}
