package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/harun/toolmesh/pkg/namespace"
	"github.com/robfig/cron/v3"
)

// Validator reports configuration values that load but are likely wrong.
// Config.Validate rejects what cannot run; the validator collects the rest.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateURL checks that an endpoint is an absolute URL with one of the
// given schemes.
func (v *Validator) ValidateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("url %q must use one of: %s", raw, strings.Join(schemes, ", "))
}

// ValidateSchedule validates a cron spec or @every descriptor
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if cfg.Provider.BaseURL == "" {
		if err := v.ValidateAPIKey(cfg.Provider.APIKey, cfg.Provider.Name); err != nil {
			errors = append(errors, fmt.Errorf("provider: %w", err))
		}
	} else if err := v.ValidateURL(cfg.Provider.BaseURL, "http", "https"); err != nil {
		errors = append(errors, fmt.Errorf("provider: %w", err))
	}

	if cfg.Agent.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.Agent.Temperature); err != nil {
			errors = append(errors, fmt.Errorf("agent: %w", err))
		}
	}
	if cfg.Agent.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("agent: %w", err))
		}
	}

	for name, ns := range cfg.Namespaces {
		switch ns.Transport {
		case "sse", "streamable_http":
			if err := v.ValidateURL(ns.URL, "http", "https"); err != nil {
				errors = append(errors, fmt.Errorf("namespace %s: %w", name, err))
			}
		case "websocket":
			if err := v.ValidateURL(ns.URL, "ws", "wss"); err != nil {
				errors = append(errors, fmt.Errorf("namespace %s: %w", name, err))
			}
		}
		if ns.Timeout < 0 {
			errors = append(errors, fmt.Errorf("namespace %s: timeout must be >= 0", name))
		}
	}

	policy, err := namespace.ParseFailurePolicy(cfg.Registry.FailurePolicy)
	if err != nil {
		errors = append(errors, err)
	} else if policy == namespace.PolicyFailRequired && len(cfg.RequiredNamespaces()) == 0 {
		errors = append(errors, fmt.Errorf("registry: fail_required policy without any required namespace"))
	}
	if cfg.Registry.ManifestTTL < 0 || cfg.Registry.ResultTTL < 0 {
		errors = append(errors, fmt.Errorf("registry: ttl values must be >= 0"))
	}
	if err := v.ValidateSchedule(cfg.Registry.RefreshSchedule); err != nil {
		errors = append(errors, fmt.Errorf("registry: %w", err))
	}

	if cfg.Tools.Timeout < 0 || cfg.Tools.MaxOutputBytes < 0 || cfg.Tools.MaxConcurrency < 0 {
		errors = append(errors, fmt.Errorf("tools: timeout, max_output_bytes and max_concurrency must be >= 0"))
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errors = append(errors, fmt.Errorf("gateway: invalid port %d", cfg.Gateway.Port))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if cfg.Logging.MaxSize < 0 || cfg.Logging.MaxAge < 0 || cfg.Logging.MaxBackups < 0 {
		errors = append(errors, fmt.Errorf("logging: max_size, max_age and max_backups cannot be negative"))
	}

	return errors
}
