// Package migrations embeds the schema applied by deployments and test harnesses.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// Files returns the embedded migration file names in apply order.
func Files() ([]string, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: glob: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the SQL body of one embedded migration.
func Read(name string) (string, error) {
	b, err := files.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("migrations: read %s: %w", name, err)
	}
	return string(b), nil
}

// All concatenates every migration in order.
func All() (string, error) {
	names, err := Files()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, name := range names {
		body, err := Read(name)
		if err != nil {
			return "", err
		}
		sb.WriteString(body)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
