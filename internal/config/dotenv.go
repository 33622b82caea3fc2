package config

import (
	"github.com/joho/godotenv"
)

// LoadDotEnv reads a .env file into the process environment.
// Existing env vars are not overridden (env takes precedence).
func LoadDotEnv(path string) error {
	return godotenv.Load(path)
}
