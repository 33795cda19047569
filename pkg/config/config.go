package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load loads configuration from an optional .env file and environment variables.
// prefix: environment variable prefix (e.g. "BUNDIR_")
// target: pointer to the config struct to load into
func Load(prefix string, target interface{}) error {
	v := viper.New()

	// 1. Load from .env file if present; it is optional.
	v.SetConfigFile(".env")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Parsing problems surface later during Unmarshal if anything
			// critical is missing.
		}
	}

	// 2. Load from environment variables.
	// Viper's AutomaticEnv does not play well with Unmarshal when keys are
	// unknown up front, so we iterate the environment and populate viper
	// ourselves: BUNDIR_STORE_URL -> store.url
	prefixUpper := strings.ToUpper(prefix)
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		key, value := pair[0], pair[1]

		if strings.HasPrefix(key, prefixUpper) {
			propKey := strings.TrimPrefix(key, prefixUpper)
			propKey = strings.ToLower(strings.ReplaceAll(propKey, "_", "."))
			propKey = strings.TrimPrefix(propKey, ".")

			v.Set(propKey, value)
		}
	}

	// 3. Unmarshal into struct
	if err := v.Unmarshal(target); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

// SetDefaultEnv sets an environment variable only when it is not already set.
// Used by cmd/server to give development defaults without clobbering real config.
func SetDefaultEnv(key, value string) {
	if os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}
