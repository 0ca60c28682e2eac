package media

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

type commandRunner func(ctx context.Context, name string, args ...string) error

func defaultCommandRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(output))
		if detail == "" {
			return fmt.Errorf("%s: %w", name, err)
		}
		return fmt.Errorf("%s: %w: %s", name, err, detail)
	}
	return nil
}

// extractFrames decodes every frame of the input into numbered jpg files.
func extractFrames(ctx context.Context, run commandRunner, binary, inputPath, framesDir string) error {
	pattern := filepath.Join(framesDir, framePattern)
	return run(ctx, binary,
		"-v", "error", "-y",
		"-i", inputPath,
		"-qscale:v", "2",
		pattern,
	)
}

// enhanceFrame applies corrective filters to a single frame. The filter
// chain depends on why the frame was flagged: sharpening for blur, a
// brightness lift for darkness.
func enhanceFrame(ctx context.Context, run commandRunner, binary, inputPath, outputPath string, quality FrameQuality) error {
	var filters []string
	if quality.Blurry {
		filters = append(filters, "unsharp=5:5:1.0:5:5:0.0")
	}
	if quality.Dark {
		filters = append(filters, "eq=brightness=0.15:saturation=1.1")
	}
	if len(filters) == 0 {
		return fmt.Errorf("frame %q needs no enhancement", inputPath)
	}
	return run(ctx, binary,
		"-v", "error", "-y",
		"-i", inputPath,
		"-vf", strings.Join(filters, ","),
		"-qscale:v", "2",
		outputPath,
	)
}

// reconstructVideo assembles the processed frames back into an mp4. When the
// original input carries an audio stream it is copied over unchanged.
func reconstructVideo(ctx context.Context, run commandRunner, binary, enhancedDir string, fps float64, originalInput, outputPath string, withAudio bool) error {
	if fps <= 0 {
		fps = 24
	}
	pattern := filepath.Join(enhancedDir, framePattern)
	args := []string{
		"-v", "error", "-y",
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", pattern,
	}
	if withAudio {
		args = append(args,
			"-i", originalInput,
			"-map", "0:v:0",
			"-map", "1:a:0",
			"-c:a", "copy",
			"-shortest",
		)
	}
	args = append(args,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		outputPath,
	)
	return run(ctx, binary, args...)
}
