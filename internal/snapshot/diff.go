package snapshot

import (
	"sort"
	"strings"
)

// ChangeReason says why a category needs to be re-applied.
type ChangeReason string

const (
	// ReasonFiles: the set of file replacements differs.
	ReasonFiles ChangeReason = "files"
	// ReasonForceRedraw: the character must be fully redrawn.
	ReasonForceRedraw ChangeReason = "force_redraw"
	ReasonFace        ChangeReason = "face"
	ReasonHair        ChangeReason = "hair"
	ReasonTail        ChangeReason = "tail"
)

// Procedural is the reason emitted when the procedural field changed.
func Procedural(field string) ChangeReason {
	return ChangeReason("procedural:" + field)
}

// ReasonSet is a set of change reasons.
type ReasonSet map[ChangeReason]struct{}

func (r ReasonSet) add(reasons ...ChangeReason) {
	for _, reason := range reasons {
		r[reason] = struct{}{}
	}
}

// Has reports whether reason is in the set.
func (r ReasonSet) Has(reason ChangeReason) bool {
	_, ok := r[reason]
	return ok
}

// Sorted returns the reasons in lexical order.
func (r ReasonSet) Sorted() []ChangeReason {
	out := make([]ChangeReason, 0, len(r))
	for reason := range r {
		out = append(out, reason)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// regions narrows file changes on the player to the part of the body they
// touch, so that e.g. a new hairstyle does not redraw the whole character.
var regions = []struct {
	reason  ChangeReason
	matches func(gamePath string) bool
}{
	{ReasonFace, func(p string) bool { return strings.Contains(p, "/obj/face/") }},
	{ReasonHair, func(p string) bool { return strings.Contains(p, "/obj/hair/") }},
	{ReasonTail, func(p string) bool { return strings.Contains(p, "/obj/tail/") }},
}

// Diff compares two snapshots per category. Categories without changes are
// absent from the result.
func Diff(old, updated Snapshot) map[Category]ReasonSet {
	out := make(map[Category]ReasonSet)

	cats := make(map[Category]struct{})
	for c := range old.Entries {
		cats[c] = struct{}{}
	}
	for c := range updated.Entries {
		cats[c] = struct{}{}
	}

	for c := range cats {
		o, n := old.Entries[c], updated.Entries[c]
		reasons := make(ReasonSet)
		switch {
		case o.Empty() && n.Empty():
		case o.Empty() || n.Empty():
			reasons.add(ReasonFiles, ReasonForceRedraw)
			for field := range o.Procedural {
				reasons.add(Procedural(field))
			}
			for field := range n.Procedural {
				reasons.add(Procedural(field))
			}
		default:
			diffFiles(c, o.Files, n.Files, reasons)
			for field := range unionKeys(o.Procedural, n.Procedural) {
				if o.Procedural[field] != n.Procedural[field] {
					reasons.add(Procedural(field))
				}
			}
		}
		if len(reasons) > 0 {
			out[c] = reasons
		}
	}
	return out
}

func diffFiles(c Category, old, updated []FileReplacement, reasons ReasonSet) {
	oldKeys, newKeys := keySet(old), keySet(updated)
	if equalSets(oldKeys, newKeys) {
		return
	}
	reasons.add(ReasonFiles)

	// Added or removed redirections change what the game loads from disk.
	if !equalSets(pathSet(old), pathSet(updated)) {
		reasons.add(ReasonForceRedraw)
	}

	if c != CategoryPlayer {
		return
	}
	for _, region := range regions {
		if !equalSets(regionKeys(old, region.matches), regionKeys(updated, region.matches)) {
			reasons.add(region.reason)
		}
	}
}

func keySet(files []FileReplacement) map[string]int {
	out := make(map[string]int, len(files))
	for _, f := range files {
		out[f.key()]++
	}
	return out
}

func pathSet(files []FileReplacement) map[string]int {
	out := make(map[string]int)
	for _, f := range files {
		for _, p := range f.GamePaths {
			out[normalizePath(p)] = 1
		}
	}
	return out
}

func regionKeys(files []FileReplacement, matches func(string) bool) map[string]int {
	out := make(map[string]int)
	for _, f := range files {
		for _, p := range f.GamePaths {
			p = normalizePath(p)
			if matches(p) {
				out[strings.ToLower(f.Hash)+"|"+p]++
			}
		}
	}
	return out
}

func equalSets(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func unionKeys(a, b map[string]string) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
