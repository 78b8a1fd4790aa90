package runtime

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// Package-level validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
	registerCustomValidators()
}

// ManagerConfig tunes the session lifecycle. Per-flow settings override the
// debounce and step limit.
type ManagerConfig struct {
	Debounce      time.Duration `yaml:"debounce" json:"debounce" default:"3s" validate:"gte=0"`
	MessagePacing time.Duration `yaml:"messagePacing" json:"messagePacing" default:"1s" validate:"gte=0"`
	MaxSteps      int           `yaml:"maxSteps" json:"maxSteps" default:"100" validate:"gt=0"`
	HistoryLimit  int           `yaml:"historyLimit" json:"historyLimit" default:"50" validate:"gte=0"`
	HTTPTimeout   time.Duration `yaml:"httpTimeout" json:"httpTimeout" default:"30s" validate:"gt=0"`
	LLMTimeout    time.Duration `yaml:"llmTimeout" json:"llmTimeout" default:"60s" validate:"gt=0"`
}

// DefaultManagerConfig returns a ManagerConfig with every default applied.
func DefaultManagerConfig() ManagerConfig {
	var c ManagerConfig
	_ = defaults.Set(&c)
	return c
}

// withLimits fills the fields whose zero value would stop every walk (step
// limit, call timeouts) with their defaults. Debounce, pacing and history
// limit keep zero, which is a valid setting for them.
func (c ManagerConfig) withLimits() ManagerConfig {
	d := DefaultManagerConfig()
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = d.LLMTimeout
	}
	return c
}

// InitializeConfig prepares a config struct: defaults from struct tags, then
// raw values merged over them (json tags, weakly typed), then validation.
// Keys that match no field are ignored; node data carries editor metadata.
func InitializeConfig(config any, rawValues map[string]any) error {
	_, err := InitializeConfigStrict(config, rawValues)
	return err
}

// InitializeConfigStrict is InitializeConfig that also returns the keys of
// rawValues that matched no field, dotted for nested keys.
func InitializeConfigStrict(config any, rawValues map[string]any) ([]string, error) {
	if err := ApplyDefaults(config); err != nil {
		slog.Error("Config: failed to apply defaults",
			"config_type", reflect.TypeOf(config).String(),
			"error", err)
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	var unused []string
	if len(rawValues) > 0 {
		var err error
		if unused, err = decodeValues(rawValues, config); err != nil {
			return nil, fmt.Errorf("failed to apply config values: %w", err)
		}
	}

	configValue := reflect.ValueOf(config)
	if configValue.Kind() == reflect.Ptr {
		configValue = configValue.Elem()
	}

	if err := validateConfig(configValue.Interface()); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return unused, nil
}

// decodeNodeConfig decodes a node's data into its typed config.
func decodeNodeConfig[T any](node *Node) (T, error) {
	var cfg T
	if err := InitializeConfig(&cfg, node.Data); err != nil {
		return cfg, &FlowError{
			Type:    ErrorTypePermanent,
			Code:    ErrorCodeRuntimeError,
			Message: fmt.Sprintf("invalid %s node config: %v", node.Type, err),
			Node:    node.ID,
			Cause:   err,
		}
	}
	return cfg, nil
}

// registerCustomValidators registers framework-provided custom validation functions
func registerCustomValidators() {
	// hostname_port validates "host:port" format with numeric port
	validate.RegisterValidation("hostname_port", func(fl validator.FieldLevel) bool {
		addr := fl.Field().String()
		host, port, err := net.SplitHostPort(addr)
		if err != nil || host == "" || port == "" {
			return false
		}
		_, err = net.LookupPort("tcp", port)
		return err == nil
	})

	// url_format validates URL structure. Placeholders are allowed in the host
	// since node URLs are interpolated at run time.
	validate.RegisterValidation("url_format", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if strings.Contains(s, "{{") {
			return true
		}
		u, err := url.Parse(s)
		return err == nil && u.Scheme != "" && u.Host != ""
	})

	// dsn accepts URL DSNs (postgres://...), key=value DSNs (host=... dbname=...)
	// and sqlite file paths (file:..., :memory:, *.db).
	validate.RegisterValidation("dsn", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		switch {
		case strings.Contains(s, "://"):
			_, err := url.Parse(s)
			return err == nil
		case strings.HasPrefix(s, "file:"), s == ":memory:", strings.HasSuffix(s, ".db"):
			return true
		case strings.Contains(s, "="):
			return true
		}
		return strings.Contains(s, "@") && strings.Contains(s, "/")
	})
}

func ApplyDefaults(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := defaults.Set(config); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}

	return nil
}

// ValidateConfig runs struct validation and formats field errors one per line.
func ValidateConfig(config any) error {
	return validateConfig(config)
}

func validateConfig(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validate.Struct(config); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, fieldErr := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"field '%s' failed validation: %s (rule: %s)",
					fieldErr.Field(),
					fieldErr.Error(),
					fieldErr.Tag(),
				))
			}
			return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errMessages, "\n  - "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

func RegisterCustomValidator(tag string, fn validator.Func) error {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		return fmt.Errorf("failed to register custom validator '%s': %w", tag, err)
	}
	return nil
}
