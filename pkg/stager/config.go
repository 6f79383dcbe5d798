package stager

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	schemasassets "github.com/annolab/corpusd/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
)

// ConfigFileName is the pipeline configuration object inside a resource's
// storage prefix and at the root of its work directory.
const ConfigFileName = "config.yaml"

// Validation errors
var (
	// ErrSchemaNotFound indicates the embedded schema could not be located.
	ErrSchemaNotFound = errors.New("corpus config schema not found")

	// ErrConfigInvalid indicates the configuration failed validation.
	ErrConfigInvalid = errors.New("corpus config validation failed")
)

// Cached validator instance (compiled once from embedded schema)
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// CorpusConfig is the subset of the pipeline configuration the scheduler
// itself inspects. The pipeline reads the full YAML; unknown keys pass
// through untouched.
type CorpusConfig struct {
	Metadata struct {
		ID       string            `yaml:"id" json:"id"`
		Language string            `yaml:"language" json:"language"`
		Name     map[string]string `yaml:"name,omitempty" json:"name,omitempty"`
	} `yaml:"metadata" json:"metadata"`

	Install   []string `yaml:"install,omitempty" json:"install,omitempty"`
	Uninstall []string `yaml:"uninstall,omitempty" json:"uninstall,omitempty"`
}

// ConfigError represents a single configuration issue.
type ConfigError struct {
	// Path is the JSON pointer to the problematic field (e.g. "/metadata/id").
	Path string

	// Message describes the failure.
	Message string
}

func (e ConfigError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ConfigErrors is a collection of configuration issues.
type ConfigErrors []ConfigError

func (e ConfigErrors) Error() string {
	if len(e) == 0 {
		return "config validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("config validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ConfigErrors) Unwrap() error {
	return ErrConfigInvalid
}

// ParseConfig parses and validates a resource's pipeline configuration.
//
// The YAML is validated against the embedded JSON schema, and metadata.id
// must match the owning resource. Returns the parsed scheduler-visible
// subset on success.
func ParseConfig(data []byte, resourceID string) (*CorpusConfig, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrConfigInvalid, err)
	}

	// Schema validation operates on JSON; YAML maps convert cleanly since
	// yaml.v3 decodes mappings as map[string]interface{}.
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config for validation: %w", err)
	}
	if err := validateRaw(jsonData); err != nil {
		return nil, err
	}

	var cfg CorpusConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %v", ErrConfigInvalid, err)
	}

	if resourceID != "" && cfg.Metadata.ID != resourceID {
		return nil, ConfigErrors{{
			Path:    "/metadata/id",
			Message: fmt.Sprintf("config id %q does not match resource %q", cfg.Metadata.ID, resourceID),
		}}
	}

	return &cfg, nil
}

func validateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if len(diags) == 0 {
		return nil
	}

	var errs ConfigErrors
	for _, d := range diags {
		// Only include errors, not warnings
		if d.Severity == schema.SeverityError {
			errs = append(errs, ConfigError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// getValidator returns a cached validator compiled from the embedded schema.
func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.CorpusConfigSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded corpus-config schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.CorpusConfigSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile corpus-config schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
