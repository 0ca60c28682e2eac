package media

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	framesDirName   = "frames"
	enhancedDirName = "enhanced"
	outputFileName  = "reconstructed.mp4"
	analysisFile    = "analysis.json"
	framePattern    = "frame_%06d.jpg"
)

// Workspace describes the on-disk layout of one job under the staging
// directory.
type Workspace struct {
	root string
}

// NewWorkspace returns the workspace for a job. Nothing is created on disk.
func NewWorkspace(stagingDir, jobID string) Workspace {
	return Workspace{root: filepath.Join(stagingDir, jobID)}
}

// Root returns the job's workspace directory.
func (w Workspace) Root() string { return w.root }

// FramesDir returns the directory holding extracted source frames.
func (w Workspace) FramesDir() string { return filepath.Join(w.root, framesDirName) }

// EnhancedDir returns the directory holding processed frames.
func (w Workspace) EnhancedDir() string { return filepath.Join(w.root, enhancedDirName) }

// OutputPath returns the path of the reconstructed video.
func (w Workspace) OutputPath() string { return filepath.Join(w.root, outputFileName) }

// AnalysisPath returns the path of the persisted per-frame analysis results.
func (w Workspace) AnalysisPath() string { return filepath.Join(w.root, analysisFile) }

// InputPath returns the staged input path for the given source extension.
func (w Workspace) InputPath(ext string) string {
	if ext == "" {
		ext = ".mp4"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(w.root, "input"+ext)
}

// EnsureDirs creates the frame and enhanced directories.
func (w Workspace) EnsureDirs() error {
	for _, dir := range []string{w.FramesDir(), w.EnhancedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Remove deletes the whole workspace.
func (w Workspace) Remove() error {
	return os.RemoveAll(w.root)
}

// FramePath returns the path of the nth extracted frame (1-based, matching
// ffmpeg's image2 numbering).
func (w Workspace) FramePath(n int) string {
	return filepath.Join(w.FramesDir(), fmt.Sprintf(framePattern, n))
}

// ListFrames returns the sorted jpg frame filenames in the given directory.
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory %q: %w", dir, err)
	}
	var frames []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".jpg") {
			frames = append(frames, entry.Name())
		}
	}
	sort.Strings(frames)
	return frames, nil
}
