package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var migrationFileRe = regexp.MustCompile(`^(\d{14})_([a-z0-9_]+)\.sql$`)

type migrationFile struct {
	file    string
	version string
	slug    string
}

// scanDir lists the .sql files in dir sorted by version. Badly named files
// are reported rather than skipped so goose never silently ignores one.
func scanDir(dir string) ([]migrationFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		m := migrationFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", e.Name())
		}
		files = append(files, migrationFile{file: e.Name(), version: m[1], slug: m[2]})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// ValidateDir checks migration filenames, version uniqueness and the goose
// annotations of every script in dir.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	files, err := scanDir(dir)
	if err != nil {
		return fmt.Errorf("scan %q: %w", dir, err)
	}
	for i, m := range files {
		if i > 0 && files[i-1].version == m.version {
			return fmt.Errorf("duplicate migration version %s in %q and %q", m.version, files[i-1].file, m.file)
		}
		body, err := os.ReadFile(filepath.Join(dir, m.file))
		if err != nil {
			return fmt.Errorf("read %q: %w", m.file, err)
		}
		if err := checkAnnotations(string(body)); err != nil {
			return fmt.Errorf("migration %q: %w", m.file, err)
		}
	}
	return nil
}

func checkAnnotations(sql string) error {
	up := strings.Index(sql, "-- +goose Up")
	down := strings.Index(sql, "-- +goose Down")
	switch {
	case up < 0:
		return fmt.Errorf("missing \"-- +goose Up\"")
	case down < 0:
		return fmt.Errorf("missing \"-- +goose Down\"")
	case down < up:
		return fmt.Errorf("\"-- +goose Down\" precedes \"-- +goose Up\"")
	}
	begins := strings.Count(sql, "-- +goose StatementBegin")
	if ends := strings.Count(sql, "-- +goose StatementEnd"); begins != ends {
		return fmt.Errorf("unbalanced statement blocks: %d begin, %d end", begins, ends)
	}
	return nil
}
