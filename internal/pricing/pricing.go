// Package pricing implements the deterministic cost/ETA estimator. Given the
// same manifest, preset, bundle size, custom options and configuration it
// always returns the same numbers; warning order is not part of the contract.
package pricing

import (
	"math"

	"github.com/cloudexport/backend/internal/config"
	"github.com/cloudexport/backend/internal/manifest"
)

// Options carries the per-job overrides honored by the custom preset.
type Options struct {
	Codec       string  `json:"codec,omitempty"`
	BitrateMbps float64 `json:"bitrateMbps,omitempty"`
}

type Estimate struct {
	CostUSD    float64
	ETASeconds int
	GPUClass   string
	Warnings   []string
}

var presetBitrates = map[string]float64{
	"web":          8.0,
	"social":       12.0,
	"high_quality": 200.0,
}

const defaultBitrateMbps = 8.0

// OutputSizeGB derives the expected artifact size from preset bitrate and
// composition duration. The custom preset honors customOptions.bitrateMbps.
func OutputSizeGB(durationSeconds float64, preset string, opts *Options) float64 {
	bitrate, ok := presetBitrates[preset]
	if !ok {
		bitrate = defaultBitrateMbps
	}
	if preset == "custom" && opts != nil && opts.BitrateMbps > 0 {
		bitrate = opts.BitrateMbps
	}
	bits := bitrate * 1_000_000 * durationSeconds
	return bits / 8.0 / (1024 * 1024 * 1024)
}

// Complexity is a dimensionless multiplier starting at 1.0.
func Complexity(m manifest.Manifest) float64 {
	complexity := 1.0
	if len(m.Effects) > 10 {
		complexity += 0.5
	}
	if len(m.Effects) > 30 {
		complexity += 1.0
	}
	if _, thirdParty := manifest.ClassifyEffects(m.Effects); len(thirdParty) > 0 {
		complexity += 0.5
	}
	if m.ExpressionsCount > 50 {
		complexity += 0.5
	}
	if m.ExpressionsCount > 150 {
		complexity += 0.5
	}
	return complexity
}

// ChooseGPUClass picks a100 for long, complex, or high-quality work.
func ChooseGPUClass(m manifest.Manifest, preset string) string {
	if m.Composition.DurationSeconds > 600 || Complexity(m) >= 2.5 || preset == "high_quality" {
		return "a100"
	}
	return "rtx4090"
}

// EstimateCost returns (cost, ETA, GPU class, warnings) for a submission.
func EstimateCost(cfg *config.Config, m manifest.Manifest, preset string, bundleSizeBytes int64, opts *Options) Estimate {
	gpuClass := ChooseGPUClass(m, preset)
	complexity := Complexity(m)
	duration := m.Composition.DurationSeconds

	speedFactor := cfg.GPUSpeedFactor[gpuClass]
	if speedFactor == 0 {
		speedFactor = 1.0
	}
	rate, ok := cfg.GPURatePerMinute[gpuClass]
	if !ok {
		rate = 1.0
	}

	renderMinutes := (duration / 60.0) * (complexity / speedFactor)
	renderCost := renderMinutes * rate

	outputGB := OutputSizeGB(duration, preset, opts)
	bundleGB := float64(bundleSizeBytes) / (1024 * 1024 * 1024)
	storageHours := math.Max(1.0, renderMinutes/60.0)
	storageCost := (bundleGB + outputGB) * cfg.StorageRatePerGBHour * storageHours
	transferCost := outputGB * cfg.TransferRatePerGB

	total := math.Max(cfg.MinJobCostUSD, renderCost+storageCost+transferCost)

	uploadSeconds := float64(bundleSizeBytes*8) / (cfg.UploadMbps * 1_000_000)
	eta := int(renderMinutes*60 + uploadSeconds + 120)

	var warnings []string
	if bundleGB > 5 {
		warnings = append(warnings, "Large bundle; upload may take longer.")
	}
	if complexity >= 2.5 {
		warnings = append(warnings, "Complex composition; expect longer render time.")
	}

	return Estimate{
		CostUSD:    Round2(total),
		ETASeconds: eta,
		GPUClass:   gpuClass,
		Warnings:   warnings,
	}
}

// ActualCost recomputes the job cost with measured render minutes. Storage
// and transfer terms reuse the preset-derived output size, not the produced
// file size, so the result stays comparable to the estimate.
func ActualCost(cfg *config.Config, m manifest.Manifest, preset string, bundleSizeBytes int64, renderMinutes float64, opts *Options) float64 {
	gpuClass := ChooseGPUClass(m, preset)
	rate, ok := cfg.GPURatePerMinute[gpuClass]
	if !ok {
		rate = 1.0
	}
	renderCost := renderMinutes * rate

	duration := m.Composition.DurationSeconds
	outputGB := OutputSizeGB(duration, preset, opts)
	bundleGB := float64(bundleSizeBytes) / (1024 * 1024 * 1024)
	storageHours := math.Max(1.0, renderMinutes/60.0)
	storageCost := (bundleGB + outputGB) * cfg.StorageRatePerGBHour * storageHours
	transferCost := outputGB * cfg.TransferRatePerGB

	return Round2(math.Max(cfg.MinJobCostUSD, renderCost+storageCost+transferCost))
}

// Round2 rounds to cents.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
