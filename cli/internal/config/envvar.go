package config

import (
	"fmt"
	"regexp"
	"strings"
)

// EnvVarSpec represents a parsed environment variable specification
type EnvVarSpec struct {
	// VarName is the environment variable name (e.g., "REDIS_ADDR")
	VarName string

	// HasDefault indicates if a default value was provided
	HasDefault bool

	// DefaultValue is the default value if HasDefault is true
	DefaultValue string

	// IsLiteral indicates if this is a literal value (not an env var)
	IsLiteral bool

	// LiteralValue is the literal value if IsLiteral is true
	LiteralValue string
}

// envVarPattern matches ${VAR} and ${VAR:default} syntax
var envVarPattern = regexp.MustCompile(`^\$\{([A-Za-z0-9_-]*)(:[^}]*)?\}$`)

var envVarName = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// ParseEnvVar parses a config value that may reference an environment variable.
//
// Supported formats:
//   - ${VAR}         - Required environment variable
//   - ${VAR:default} - Optional environment variable with default
//   - literal        - Plain literal value
//
// Examples:
//
//	ParseEnvVar("${DATABASE_URL}") -> required env var "DATABASE_URL"
//	ParseEnvVar("${REDIS_ADDR:localhost:6379}") -> env var with default
//	ParseEnvVar("localhost:6379") -> literal value
//	ParseEnvVar("${invalid-name}") -> error
func ParseEnvVar(value string) (*EnvVarSpec, error) {
	matches := envVarPattern.FindStringSubmatch(value)
	if matches == nil {
		return &EnvVarSpec{IsLiteral: true, LiteralValue: value}, nil
	}

	varName := matches[1]
	if !envVarName.MatchString(varName) {
		return nil, fmt.Errorf("invalid environment variable name: %q", varName)
	}

	spec := &EnvVarSpec{
		VarName:    varName,
		HasDefault: matches[2] != "",
	}
	if spec.HasDefault {
		spec.DefaultValue = strings.TrimPrefix(matches[2], ":")
	}
	return spec, nil
}

// Resolve returns the value spec stands for, looking variables up with lookup.
func (s *EnvVarSpec) Resolve(lookup func(string) (string, bool)) (string, error) {
	if s.IsLiteral {
		return s.LiteralValue, nil
	}
	if v, ok := lookup(s.VarName); ok {
		return v, nil
	}
	if s.HasDefault {
		return s.DefaultValue, nil
	}
	return "", fmt.Errorf("required environment variable %s is not set", s.VarName)
}

// ResolveEnvVars replaces every string value in raw, at any depth, that
// references an environment variable. Errors name the offending key path.
func ResolveEnvVars(raw map[string]any, lookup func(string) (string, bool)) error {
	for k, v := range raw {
		resolved, err := resolveValue(v, lookup)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		raw[k] = resolved
	}
	return nil
}

func resolveValue(v any, lookup func(string) (string, bool)) (any, error) {
	switch val := v.(type) {
	case string:
		spec, err := ParseEnvVar(val)
		if err != nil {
			return nil, err
		}
		return spec.Resolve(lookup)
	case map[string]any:
		if err := ResolveEnvVars(val, lookup); err != nil {
			return nil, err
		}
		return val, nil
	case []any:
		for i, item := range val {
			resolved, err := resolveValue(item, lookup)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			val[i] = resolved
		}
		return val, nil
	default:
		return v, nil
	}
}
