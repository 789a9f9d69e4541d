package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is read from the working directory when no other file is given.
const DefaultEnvFile = ".local_env"

// envKeys are the variables inferctl reads from the dotenv file and the
// process environment.
var envKeys = []string{"FAST_API_HOST", "FAST_API_PORT", "INFERCTL_URL", "INFERCTL_MODEL"}

// LoadEnv reads path (or DefaultEnvFile when empty) in dotenv format and
// overlays the process environment. A missing file is not an error. The
// process environment is never modified.
func LoadEnv(path string) (map[string]string, error) {
	if path == "" {
		path = DefaultEnvFile
	}
	out := map[string]string{}
	vals, err := godotenv.Read(path)
	switch {
	case err == nil:
		for k, v := range vals {
			out[k] = v
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	for _, k := range envKeys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			out[k] = v
		}
	}
	return out, nil
}
