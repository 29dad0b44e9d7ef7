package embedding

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// FFmpegFrameExtractor extracts one frame per second up to maxFrames using
// the ffmpeg binary on PATH. No frame-extraction library appears anywhere
// in the pack, so this is plain os/exec — see DESIGN.md for the
// stdlib-justification entry.
type FFmpegFrameExtractor struct {
	BinaryPath string // defaults to "ffmpeg"
}

func (f FFmpegFrameExtractor) ExtractFrames(ctx context.Context, videoPath, dir string, maxFrames int) ([]string, error) {
	bin := f.BinaryPath
	if bin == "" {
		bin = "ffmpeg"
	}
	pattern := filepath.Join(dir, "frame-%04d.jpg")
	cmd := exec.CommandContext(ctx, bin,
		"-i", videoPath,
		"-vf", "fps=1",
		"-frames:v", fmt.Sprintf("%d", maxFrames),
		pattern,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, string(out))
	}

	var paths []string
	for i := 1; i <= maxFrames; i++ {
		p := filepath.Join(dir, fmt.Sprintf("frame-%04d.jpg", i))
		if !fileExists(p) {
			break
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
