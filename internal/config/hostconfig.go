package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// hostConfigEntry matches a single top-level `'key' => 'value',` or `'key' => 123,` line inside the host
// application's PHP config array. It intentionally does not attempt to parse nested arrays structurally; the few
// keys this daemon needs are all scalar.
var hostConfigEntry = regexp.MustCompile(`(?m)^\s*'([a-zA-Z0-9_.]+)'\s*=>\s*(?:'([^']*)'|"([^"]*)"|([0-9]+))\s*,?\s*$`)

// resolveConfigPaths expands configPath into the ordered list of candidate files to try. When glob is true,
// configPath is treated as a filepath.Glob pattern and every match is a candidate (first readable one wins);
// otherwise configPath names exactly one file.
func resolveConfigPaths(configPath string, glob bool) ([]string, error) {
	if !glob {
		return []string{configPath}, nil
	}
	matches, err := filepath.Glob(configPath)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", configPath, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no files matched glob %q", configPath)
	}
	return matches, nil
}

// applyHostConfigFile scrapes the scalar keys this daemon cares about out of the first readable host application
// config file among paths, overlaying them onto cfg. It returns an error when none of paths can be read, whether
// the files are missing or unreadable; Load calls it only when a config path was given.
func applyHostConfigFile(cfg *Config, paths []string) error {
	var raw []byte
	var readErr error
	found := false
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			readErr = err
			continue
		}
		raw = b
		found = true
		break
	}
	if !found {
		return fmt.Errorf("no readable config file among %d candidate(s): %w", len(paths), readErr)
	}

	values := scrapeHostConfig(raw)

	if v, ok := values["dbtype"]; ok && v != "sqlite3" {
		// Only the connection parameters matter; the daemon never issues DDL.
		_ = v
	}
	if v, ok := composeDatabaseURL(values); ok {
		cfg.DatabaseURL = v
	}
	if v, ok := values["dbtableprefix"]; ok {
		cfg.DatabasePrefix = v
	}
	if v, ok := values["overwrite.cli.url"]; ok {
		cfg.NextcloudURL = v
	}
	if v, ok := composeRedisURL(values); ok {
		cfg.RedisURL = v
	}

	return nil
}

func scrapeHostConfig(raw []byte) map[string]string {
	out := make(map[string]string)
	for _, m := range hostConfigEntry.FindAllSubmatch(raw, -1) {
		key := string(m[1])
		switch {
		case len(m[2]) > 0:
			out[key] = string(m[2])
		case len(m[3]) > 0:
			out[key] = string(m[3])
		case len(m[4]) > 0:
			out[key] = string(m[4])
		}
	}
	return out
}

func composeDatabaseURL(values map[string]string) (string, bool) {
	host, hasHost := values["dbhost"]
	name, hasName := values["dbname"]
	user, hasUser := values["dbuser"]
	if !hasHost || !hasName || !hasUser {
		return "", false
	}
	pass := values["dbpassword"]
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, pass, host, name), true
}

func composeRedisURL(values map[string]string) (string, bool) {
	host, ok := values["redis.host"]
	if !ok {
		return "", false
	}
	port := values["redis.port"]
	if port == "" {
		port = "6379"
	}
	if pass, ok := values["redis.password"]; ok && pass != "" {
		return fmt.Sprintf("redis://:%s@%s:%s/0", pass, host, port), true
	}
	return fmt.Sprintf("redis://%s:%s/0", host, port), true
}
