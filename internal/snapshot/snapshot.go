// Package snapshot describes a character's appearance state and detects
// what changed between two states.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Category is a logical owner of appearance data.
type Category string

const (
	CategoryPlayer    Category = "player"
	CategoryMinion    Category = "minion"
	CategoryPet       Category = "pet"
	CategoryCompanion Category = "companion"
)

// FileReplacement redirects one or more game paths to a cached blob.
type FileReplacement struct {
	GamePaths []string `json:"gamePaths"`
	Hash      string   `json:"hash"`
}

func (f FileReplacement) key() string {
	paths := make([]string, len(f.GamePaths))
	for i, p := range f.GamePaths {
		paths[i] = normalizePath(p)
	}
	sort.Strings(paths)
	return strings.ToLower(f.Hash) + "|" + strings.Join(paths, ",")
}

// Entry is the data attached to one category.
type Entry struct {
	Files []FileReplacement `json:"files,omitempty"`
	// Procedural holds opaque appearance strings keyed by source, such as
	// a customization blob or a height offset.
	Procedural map[string]string `json:"procedural,omitempty"`
}

// Empty reports whether the entry carries no data at all.
func (e Entry) Empty() bool {
	if len(e.Files) > 0 {
		return false
	}
	for _, v := range e.Procedural {
		if v != "" {
			return false
		}
	}
	return true
}

// Snapshot is the full appearance state at one point in time.
type Snapshot struct {
	Entries map[Category]Entry `json:"entries"`
}

// Hashes lists every blob hash referenced by the snapshot, sorted and
// without duplicates.
func (s Snapshot) Hashes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range s.Entries {
		for _, f := range e.Files {
			h := strings.ToLower(f.Hash)
			if h == "" || seen[h] {
				continue
			}
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

// GamePaths maps each referenced hash to the first game path that uses it.
func (s Snapshot) GamePaths() map[string]string {
	out := make(map[string]string)
	cats := make([]string, 0, len(s.Entries))
	for c := range s.Entries {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)
	for _, c := range cats {
		for _, f := range s.Entries[Category(c)].Files {
			h := strings.ToLower(f.Hash)
			if _, ok := out[h]; ok || h == "" || len(f.GamePaths) == 0 {
				continue
			}
			out[h] = f.GamePaths[0]
		}
	}
	return out
}

// Provider supplies the current snapshot of the local character.
type Provider interface {
	Current(ctx context.Context) (Snapshot, error)
}

// Load reads a JSON snapshot from path.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return s, nil
}

func normalizePath(p string) string {
	return strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
}
