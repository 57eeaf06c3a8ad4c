package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	hashC = "cccccccccccccccccccccccccccccccccccccccc"
)

func player(files ...FileReplacement) Snapshot {
	return Snapshot{Entries: map[Category]Entry{
		CategoryPlayer: {Files: files, Procedural: map[string]string{"customize": "base64data"}},
	}}
}

func file(hash string, paths ...string) FileReplacement {
	return FileReplacement{GamePaths: paths, Hash: hash}
}

func TestIdenticalSnapshotsHaveNoDiff(t *testing.T) {
	a := player(file(hashA, "chara/human/c0101/obj/body/b0001/model/c0101b0001_top.mdl"))
	b := player(file(hashA, "Chara\\Human\\c0101\\obj\\body\\b0001\\model\\c0101b0001_top.mdl"))
	assert.Empty(t, Diff(a, b))
	assert.Empty(t, Diff(Snapshot{}, Snapshot{}))
}

func TestMissingSideForcesEverything(t *testing.T) {
	a := player(file(hashA, "chara/a.mdl"))
	diff := Diff(Snapshot{}, a)
	require.Contains(t, diff, CategoryPlayer)
	reasons := diff[CategoryPlayer]
	assert.True(t, reasons.Has(ReasonFiles))
	assert.True(t, reasons.Has(ReasonForceRedraw))
	assert.True(t, reasons.Has(Procedural("customize")))

	diff = Diff(a, Snapshot{})
	assert.True(t, diff[CategoryPlayer].Has(ReasonForceRedraw))
}

func TestHashChangeWithoutNewPaths(t *testing.T) {
	a := player(file(hashA, "chara/equipment/e0001/texture/v01_d.tex"))
	b := player(file(hashB, "chara/equipment/e0001/texture/v01_d.tex"))
	reasons := Diff(a, b)[CategoryPlayer]
	assert.Equal(t, []ChangeReason{ReasonFiles}, reasons.Sorted())
}

func TestAddedPathForcesRedraw(t *testing.T) {
	a := player(file(hashA, "chara/x.tex"))
	b := player(file(hashA, "chara/x.tex"), file(hashB, "chara/y.mdl"))
	reasons := Diff(a, b)[CategoryPlayer]
	assert.True(t, reasons.Has(ReasonFiles))
	assert.True(t, reasons.Has(ReasonForceRedraw))
}

func TestRegionNarrowing(t *testing.T) {
	hair := "chara/human/c0101/obj/hair/h0001/model/c0101h0001_hir.mdl"
	face := "chara/human/c0101/obj/face/f0001/model/c0101f0001_fac.mdl"
	a := player(file(hashA, hair), file(hashB, face))
	b := player(file(hashC, hair), file(hashB, face))

	reasons := Diff(a, b)[CategoryPlayer]
	assert.True(t, reasons.Has(ReasonHair))
	assert.False(t, reasons.Has(ReasonFace))
	assert.False(t, reasons.Has(ReasonTail))
}

func TestRegionsOnlyApplyToPlayer(t *testing.T) {
	hair := "chara/human/c0101/obj/hair/h0001/model/c0101h0001_hir.mdl"
	a := Snapshot{Entries: map[Category]Entry{CategoryPet: {Files: []FileReplacement{file(hashA, hair)}}}}
	b := Snapshot{Entries: map[Category]Entry{CategoryPet: {Files: []FileReplacement{file(hashB, hair)}}}}
	reasons := Diff(a, b)[CategoryPet]
	assert.False(t, reasons.Has(ReasonHair))
}

func TestProceduralChangeOnly(t *testing.T) {
	a := player(file(hashA, "chara/x.tex"))
	b := player(file(hashA, "chara/x.tex"))
	b.Entries[CategoryPlayer] = Entry{
		Files:      b.Entries[CategoryPlayer].Files,
		Procedural: map[string]string{"customize": "base64data", "heels": "0.1"},
	}
	diff := Diff(a, b)
	assert.Equal(t, []ChangeReason{Procedural("heels")}, diff[CategoryPlayer].Sorted())
}

func TestUnchangedCategoriesAreOmitted(t *testing.T) {
	a := player(file(hashA, "chara/x.tex"))
	a.Entries[CategoryMinion] = Entry{Files: []FileReplacement{file(hashB, "chara/m.mdl")}}
	b := player(file(hashA, "chara/x.tex"))
	b.Entries[CategoryMinion] = Entry{Files: []FileReplacement{file(hashC, "chara/m.mdl")}}

	diff := Diff(a, b)
	assert.NotContains(t, diff, CategoryPlayer)
	assert.Contains(t, diff, CategoryMinion)
}

func TestHashesAndGamePaths(t *testing.T) {
	s := player(file(hashB, "chara/b.tex"), file(hashA, "chara/a.mdl", "chara/a2.mdl"))
	s.Entries[CategoryPet] = Entry{Files: []FileReplacement{file(hashA, "chara/pet.mdl"), file("", "x")}}

	assert.Equal(t, []string{hashA, hashB}, s.Hashes())
	paths := s.GamePaths()
	assert.Equal(t, "chara/pet.mdl", paths[hashA])
	assert.NotContains(t, paths, "")
	assert.Equal(t, "chara/b.tex", paths[hashB])
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	body := `{"entries":{"player":{"files":[{"gamePaths":["chara/a.mdl"],"hash":"` + hashA + `"}]}}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{hashA}, s.Hashes())
}
