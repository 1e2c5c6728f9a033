package config

import (
	"os"
	"strconv"
	"strings"

	"tradeflow/models"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

const (
	// EnvironmentDevelopment exposes the canonical development environment
	// identifier.
	EnvironmentDevelopment = environmentDevelopment
	EnvironmentProduction  = environmentProduction
	EnvironmentStaging     = environmentStaging
)

// Credential environment variables populate the "default" credential.
const (
	envAPIKey     = "CAPITAL_API_KEY"
	envIdentifier = "CAPITAL_IDENTIFIER"
	envPassword   = "CAPITAL_PASSWORD"
	envDemo       = "CAPITAL_DEMO"

	DefaultCredentialName = "default"
)

var environmentAliases = map[string]string{
	"prod":        environmentProduction,
	"producation": environmentProduction,
	"stag":        environmentStaging,
	"stagging":    environmentStaging,
	"dev":         environmentDevelopment,
}

// getAppEnvironment reads the application environment from APP_ENV and
// defaults to development when no value is provided.
func getAppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveEnvSpecificPath selects an environment specific configuration file
// when one is available for the current environment.
func resolveEnvSpecificPath(path, defaultPath string, envPaths map[string]string) string {
	if path == "" {
		path = defaultPath
	}

	env := getAppEnvironment()
	if envPath, ok := envPaths[env]; ok {
		if path == defaultPath || path == envPath {
			if _, err := os.Stat(envPath); err == nil {
				return envPath
			}
		}
	}

	return path
}

// AppEnvironment exposes the current application environment.
func AppEnvironment() string {
	return getAppEnvironment()
}

// IsProductionLike reports whether the provided environment should behave like
// a production deployment. Production-like environments reject placeholder
// credentials at load time.
func IsProductionLike(env string) bool {
	switch env {
	case environmentProduction, environmentStaging:
		return true
	default:
		return false
	}
}

// applyEnvOverrides merges CAPITAL_* variables into the default credential
// and LOG_LEVEL into the logging section.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" && cfg.Metrics.CloudWatch.Region == "" {
		cfg.Metrics.CloudWatch.Region = v
	}

	apiKey := strings.TrimSpace(os.Getenv(envAPIKey))
	identifier := strings.TrimSpace(os.Getenv(envIdentifier))
	password := os.Getenv(envPassword)
	if apiKey == "" && identifier == "" && password == "" {
		return
	}

	idx := -1
	for i := range cfg.Credentials {
		if cfg.Credentials[i].Name == DefaultCredentialName {
			idx = i
			break
		}
	}
	if idx < 0 {
		cfg.Credentials = append(cfg.Credentials, CredentialEntry{
			Name:       DefaultCredentialName,
			Credential: models.Credential{IsDemo: true},
		})
		idx = len(cfg.Credentials) - 1
	}

	entry := &cfg.Credentials[idx]
	if apiKey != "" {
		entry.APIKey = apiKey
	}
	if identifier != "" {
		entry.Identifier = identifier
	}
	if password != "" {
		entry.Password = password
	}
	if v := strings.TrimSpace(os.Getenv(envDemo)); v != "" {
		if demo, err := strconv.ParseBool(v); err == nil {
			entry.IsDemo = demo
		}
	}
}
