package secrets

import "os"

// FromEnv returns a Loader that reads the named environment variables.
// Unset or empty variables are left out of the snapshot so callers can
// distinguish missing credentials via Lookup.
func FromEnv(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}
