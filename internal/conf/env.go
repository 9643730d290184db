// env.go - environment variable configuration and validation
package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		// Sentinel Hub credentials
		{"sentinel.clientid", "SENTINEL_CLIENT_ID", nil},
		{"sentinel.clientsecret", "SENTINEL_CLIENT_SECRET", nil},

		{"detector.url", "TRAFFICSAT_DETECTOR_URL", validateEnvURL},
		{"scheduler.enabled", "TRAFFICSAT_SCHEDULER_ENABLED", validateEnvBool},
		{"scheduler.interval", "TRAFFICSAT_SCHEDULER_INTERVAL", validateEnvDuration},
		{"webserver.port", "TRAFFICSAT_WEBSERVER_PORT", validateEnvPort},
		{"webserver.tokensecret", "TRAFFICSAT_API_TOKEN_SECRET", nil},

		// Datastore
		{"output.sqlite.path", "TRAFFICSAT_SQLITE_PATH", nil},
		{"output.mysql.password", "TRAFFICSAT_MYSQL_PASSWORD", nil},
		{"output.postgres.dsn", "TRAFFICSAT_POSTGRES_DSN", nil},

		// Integrations
		{"mqtt.password", "TRAFFICSAT_MQTT_PASSWORD", nil},
		{"sentry.dsn", "TRAFFICSAT_SENTRY_DSN", validateEnvURL},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("must be a duration such as 30m or 1h")
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("must be a port number between 1 and 65535")
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	return nil
}

// configureEnvironmentVariables sets up environment variable support for Viper
func configureEnvironmentVariables() error {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return bindEnvVars()
}
