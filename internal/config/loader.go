package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is the shared validator instance for config validation.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Use YAML key names in error messages instead of struct field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
}

// envRef matches ${VAR} references.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. ${VAR} references are replaced with the value of the
// environment variable VAR before decoding; unset variables expand to "".
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse is [LoadFromReader] for config bytes already in memory.
func Parse(data []byte) (*Config, error) {
	data = ExpandEnv(data)

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${VAR} in data with the environment value of VAR.
func ExpandEnv(data []byte) []byte {
	var unset []string
	out := envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		v, ok := os.LookupEnv(name)
		if !ok {
			unset = append(unset, name)
		}
		return []byte(v)
	})
	if len(unset) > 0 {
		slog.Warn("config references unset environment variables", "vars", unset)
	}
	return out
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: validate: %w", err)
		}
		for _, e := range verrs {
			errs = append(errs, fmt.Errorf("%s %s", fieldPath(e), formatValidationMessage(e)))
		}
	}

	// Cross-field checks the struct tags cannot express.
	s := cfg.Segments
	if s.UserSilence > 0 && s.UserMax > 0 && s.UserSilence >= s.UserMax {
		errs = append(errs, fmt.Errorf("segments.user_silence %v must be below segments.user_max %v", s.UserSilence, s.UserMax))
	}
	if s.AssistantIdle > 0 && s.AssistantMax > 0 && s.AssistantIdle >= s.AssistantMax {
		errs = append(errs, fmt.Errorf("segments.assistant_idle %v must be below segments.assistant_max %v", s.AssistantIdle, s.AssistantMax))
	}
	if strings.HasPrefix(cfg.Archive.Prefix, "/") {
		errs = append(errs, fmt.Errorf("archive.prefix %q must not start with /", cfg.Archive.Prefix))
	}
	if cfg.Archive.Bucket == "" && cfg.Archive.Endpoint != "" {
		errs = append(errs, errors.New("archive.endpoint is set but archive.bucket is empty"))
	}

	// Availability warnings.
	if cfg.Realtime.APIKey == "" && s.TurnIngest == TurnIngestNever {
		slog.Warn("realtime.api_key is empty and segments.turn_ingest is never; callers will get no answers")
	}
	if cfg.Backend.Token == "" {
		slog.Warn("backend.token is empty; backend requests are sent without authentication")
	}

	return errors.Join(errs...)
}

// fieldPath renders the YAML path of a failed field, e.g. "backend.base_url".
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return ns
}

// formatValidationMessage creates a human-readable message from a validator error.
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "required_with":
		return fmt.Sprintf("is required when %s is set", e.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "ltfield":
		return fmt.Sprintf("must be less than %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "oneof":
		return fmt.Sprintf("%q is invalid; valid values: %s", e.Value(), e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
