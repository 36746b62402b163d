// Package manifest models the immutable composition descriptor that clients
// submit with every bundle, its canonical fingerprint, and the effect
// compatibility rules used by the estimator and the worker.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type Asset struct {
	ID           string `json:"id"`
	OriginalPath string `json:"originalPath"`
	ZipPath      string `json:"zipPath"`
	SizeBytes    int64  `json:"sizeBytes"`
	SHA256       string `json:"sha256"`
	LastModified string `json:"lastModified"`
}

type Composition struct {
	Name             string  `json:"name"`
	DurationSeconds  float64 `json:"durationSeconds"`
	FPS              float64 `json:"fps"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	WorkAreaStart    float64 `json:"workAreaStart"`
	WorkAreaDuration float64 `json:"workAreaDuration"`
}

type Project struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"sizeBytes"`
	Saved     bool   `json:"saved"`
}

type Manifest struct {
	SchemaVersion    int         `json:"schemaVersion"`
	Project          Project     `json:"project"`
	Composition      Composition `json:"composition"`
	Assets           []Asset     `json:"assets"`
	Fonts            []string    `json:"fonts"`
	Effects          []string    `json:"effects"`
	ExpressionsCount int         `json:"expressionsCount"`
	CreatedAt        string      `json:"createdAt"`
}

// CanonicalJSON renders v with sorted object keys and no whitespace. The
// round-trip through a generic value lets encoding/json apply its map key
// ordering regardless of struct field order.
func CanonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("normalize: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return string(out), nil
}

// Hash returns the SHA-256 fingerprint over the canonical JSON form.
func Hash(m Manifest) (string, error) {
	canon, err := CanonicalJSON(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}

var thirdPartyPrefixes = []string{
	"Sapphire",
	"Boris",
	"RedGiant",
	"VideoCopilot",
	"Element3D",
	"Trapcode",
}

var blockedEffects = map[string]bool{
	"VC Element":          true,
	"Trapcode Particular": true,
}

// ClassifyEffects splits effect names into native and third-party sets.
// Unknown names default to third-party.
func ClassifyEffects(effects []string) (native, thirdParty []string) {
	for _, effect := range effects {
		if strings.HasPrefix(effect, "ADBE") {
			native = append(native, effect)
			continue
		}
		if blockedEffects[effect] {
			thirdParty = append(thirdParty, effect)
			continue
		}
		if hasAnyPrefix(effect, thirdPartyPrefixes) {
			thirdParty = append(thirdParty, effect)
			continue
		}
		if strings.HasPrefix(effect, "PG") || strings.HasPrefix(effect, "CC") {
			native = append(native, effect)
			continue
		}
		thirdParty = append(thirdParty, effect)
	}
	return native, thirdParty
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// Check runs the compatibility pass. Warnings are advisory; errors abort
// estimate and submit.
func Check(m Manifest) (warnings, errors []string) {
	_, thirdParty := ClassifyEffects(m.Effects)
	if len(thirdParty) > 0 {
		warnings = append(warnings, "Third-party effects detected: "+joinSortedUnique(thirdParty))
	}
	if len(m.Fonts) == 0 {
		warnings = append(warnings, "No fonts detected; verify text layers use default fonts.")
	}
	if m.ExpressionsCount > 100 {
		warnings = append(warnings, "High expression count may slow render.")
	}
	return warnings, errors
}

func joinSortedUnique(names []string) string {
	seen := make(map[string]bool, len(names))
	unique := make([]string, 0, len(names))
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			unique = append(unique, name)
		}
	}
	sort.Strings(unique)
	return strings.Join(unique, ", ")
}
