package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleManifest() Manifest {
	return Manifest{
		SchemaVersion: 1,
		Project: Project{
			Name:      "promo.aep",
			Path:      "/work/promo.aep",
			Hash:      "abc123",
			SizeBytes: 1024,
			Saved:     true,
		},
		Composition: Composition{
			Name:            "Main",
			DurationSeconds: 60,
			FPS:             30,
			Width:           1920,
			Height:          1080,
		},
		Assets: []Asset{
			{ID: "a1", OriginalPath: "/work/clip.mov", ZipPath: "assets/clip.mov", SizeBytes: 2048, SHA256: "feed"},
		},
		Fonts:            []string{"Inter"},
		Effects:          []string{"ADBE Gaussian Blur 2"},
		ExpressionsCount: 3,
		CreatedAt:        "2026-01-02T03:04:05Z",
	}
}

func TestHashStableUnderKeyOrderAndWhitespace(t *testing.T) {
	m := sampleManifest()
	h1, err := Hash(m)
	require.NoError(t, err)

	// struct marshaling order differs from the generic map order the
	// canonical form imposes, so two equal manifests must agree
	h2, err := Hash(sampleManifest())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// the same object expressed as differently-ordered JSON canonicalizes
	// identically
	c1, err := CanonicalJSON(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	c2, err := CanonicalJSON(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	assert.Equal(t, `{"a":1,"b":2}`, c1)
}

func TestHashChangesWithContent(t *testing.T) {
	m := sampleManifest()
	h1, err := Hash(m)
	require.NoError(t, err)

	m.Composition.DurationSeconds = 61
	h2, err := Hash(m)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestClassifyEffects(t *testing.T) {
	native, thirdParty := ClassifyEffects([]string{
		"ADBE Gaussian Blur 2",
		"CC Particle World",
		"PG Grain",
		"Sapphire Glow",
		"Trapcode Particular",
		"VC Element",
		"Mystery Plugin",
	})
	assert.Equal(t, []string{"ADBE Gaussian Blur 2", "CC Particle World", "PG Grain"}, native)
	assert.Equal(t, []string{"Sapphire Glow", "Trapcode Particular", "VC Element", "Mystery Plugin"}, thirdParty)
}

func TestClassifyBlockedSetBeforePrefixes(t *testing.T) {
	// "VC Element" would otherwise be unknown; the blocked set claims it
	_, thirdParty := ClassifyEffects([]string{"VC Element"})
	require.Len(t, thirdParty, 1)
}

func TestCheckWarnings(t *testing.T) {
	m := sampleManifest()
	m.Effects = []string{"Sapphire Glow", "Sapphire Glow", "Boris FX"}
	m.Fonts = nil
	m.ExpressionsCount = 150

	warnings, hardErrors := Check(m)
	assert.Empty(t, hardErrors)
	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[0], "Boris FX, Sapphire Glow")
	assert.Contains(t, warnings[1], "No fonts")
	assert.Contains(t, warnings[2], "expression count")
}

func TestCheckCleanManifest(t *testing.T) {
	warnings, hardErrors := Check(sampleManifest())
	assert.Empty(t, warnings)
	assert.Empty(t, hardErrors)
}
