package store

import (
	"embed"
	"fmt"
	"strings"
	"sync"
)

//go:embed queries/*.sql
var queryFS embed.FS

// The catalog serves named parameterized SQL statements addressed by
// slash-path keys ("entities/insert"). Statements live in queries/<file>.sql
// files, one file per resource, with each statement introduced by a
// "-- name: <file>/<op>" marker line. Files are parsed on first access and
// cached for the life of the process.
var catalog sync.Map // key → sql text

var parsedFiles sync.Map // file base name → struct{}

// Q returns the statement registered under key. Unknown keys are a
// programmer error and panic.
func Q(key string) string {
	sql, err := Lookup(key)
	if err != nil {
		panic(err)
	}
	return sql
}

// Lookup returns the statement registered under key, loading and parsing
// the backing file on first access.
func Lookup(key string) (string, error) {
	if v, ok := catalog.Load(key); ok {
		return v.(string), nil
	}

	file, _, ok := strings.Cut(key, "/")
	if !ok {
		return "", fmt.Errorf("query key %q: want <file>/<name>", key)
	}
	if err := parseFile(file); err != nil {
		return "", err
	}

	v, ok := catalog.Load(key)
	if !ok {
		return "", fmt.Errorf("query %q not found in queries/%s.sql", key, file)
	}
	return v.(string), nil
}

func parseFile(file string) error {
	if _, done := parsedFiles.Load(file); done {
		return nil
	}

	raw, err := queryFS.ReadFile("queries/" + file + ".sql")
	if err != nil {
		return fmt.Errorf("read query file %q: %w", file, err)
	}

	var name string
	var body strings.Builder
	flush := func() {
		if name != "" {
			catalog.Store(name, strings.TrimSpace(body.String()))
		}
		body.Reset()
	}
	for _, line := range strings.Split(string(raw), "\n") {
		trimmed := strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(trimmed, "-- name:"); ok {
			flush()
			name = strings.TrimSpace(after)
			continue
		}
		if name != "" {
			body.WriteString(line)
			body.WriteString("\n")
		}
	}
	flush()

	parsedFiles.Store(file, struct{}{})
	return nil
}
