// Package envfile reads and updates the .env.local file that carries
// workspace settings and identifiers produced by the setup commands.
package envfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// DefaultPath is used when SALESMAIL_ENV_FILE is unset.
const DefaultPath = ".env.local"

// Path returns the env file location.
func Path() string {
	if p := os.Getenv("SALESMAIL_ENV_FILE"); p != "" {
		return p
	}
	return DefaultPath
}

// Load exports the variables in path that are not already set. A missing
// file is not an error.
func Load(path string) error {
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Upsert sets key to value in path, creating the file if needed, and
// exports it into the current process.
func Upsert(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		env = map[string]string{}
	}
	env[key] = value
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return os.Setenv(key, value)
}
