package worker

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cloudexport/backend/internal/pricing"
)

// Transcoder converts the intermediate render into the preset's delivery
// format and returns the produced file path.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputDir, baseName, preset string, opts *pricing.Options) (string, error)
}

var presetBitrateMbps = map[string]float64{
	"web":    8.0,
	"social": 12.0,
}

// FFmpegTranscoder shells out to ffmpeg. web/social produce H.264 MP4 at the
// preset bitrate, high_quality produces ProRes 422 HQ MOV, custom honors the
// requested codec and bitrate.
type FFmpegTranscoder struct {
	Path string
}

func (t *FFmpegTranscoder) Transcode(ctx context.Context, inputPath, outputDir, baseName, preset string, opts *pricing.Options) (string, error) {
	base := strings.TrimSuffix(baseName, filepath.Ext(baseName))
	if base == "" {
		base = "output"
	}

	prores := preset == "high_quality" || (preset == "custom" && opts != nil && opts.Codec == "prores")

	var outPath string
	var args []string
	if prores {
		outPath = filepath.Join(outputDir, base+".mov")
		args = []string{
			"-y", "-i", inputPath,
			"-c:v", "prores_ks", "-profile:v", "3",
			"-c:a", "pcm_s16le",
			outPath,
		}
	} else {
		bitrate := presetBitrateMbps[preset]
		if bitrate == 0 {
			bitrate = 8.0
		}
		if preset == "custom" && opts != nil && opts.BitrateMbps > 0 {
			bitrate = opts.BitrateMbps
		}
		outPath = filepath.Join(outputDir, base+".mp4")
		args = []string{
			"-y", "-i", inputPath,
			"-c:v", "libx264", "-preset", "fast",
			"-b:v", fmt.Sprintf("%gM", bitrate),
			"-pix_fmt", "yuv420p",
			"-c:a", "aac", "-b:a", "192k",
			outPath,
		}
	}

	cmd := exec.CommandContext(ctx, t.Path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg: %w: %s", err, tail(string(out), 500))
	}
	return outPath, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
