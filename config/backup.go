package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MaxBackups is how many snapshots of each kind are retained.
const MaxBackups = 10

const backupStamp = "20060102T150405.000000000"

// Backup writes a timestamped snapshot of k into dir and prunes older
// snapshots of the same kind beyond MaxBackups.
func Backup(dir string, k Kind, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	data, err := Encode(k)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%s.yaml", k.KindName(), now.UTC().Format(backupStamp))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	if err := pruneBackups(dir, k.KindName()); err != nil {
		return path, err
	}
	return path, nil
}

// Backups lists the snapshot files of the given kind, oldest first.
func Backups(dir, kind string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), kind+"-") && strings.HasSuffix(e.Name(), ".yaml") {
			names = append(names, e.Name())
		}
	}
	// the stamp is fixed width so lexical order is chronological
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// Restore decodes the newest snapshot of kind from dir.
func Restore(dir, kind string) (Kind, error) {
	paths, err := Backups(dir, kind)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no %s backups in %s", kind, dir)
	}
	data, err := os.ReadFile(paths[len(paths)-1])
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	return Decode(kind, data)
}

func pruneBackups(dir, kind string) error {
	paths, err := Backups(dir, kind)
	if err != nil {
		return err
	}
	for len(paths) > MaxBackups {
		if err := os.Remove(paths[0]); err != nil {
			return fmt.Errorf("prune backup: %w", err)
		}
		paths = paths[1:]
	}
	return nil
}
