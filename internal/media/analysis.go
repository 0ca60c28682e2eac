package media

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FrameQuality records the classification outcome for one extracted frame.
type FrameQuality struct {
	Filename string `json:"filename"`
	Blurry   bool   `json:"blurry"`
	Dark     bool   `json:"dark"`
}

// NeedsEnhancement reports whether the frame should be enhanced rather than
// copied as-is.
func (q FrameQuality) NeedsEnhancement() bool {
	return q.Blurry || q.Dark
}

// AnalysisReport is the per-frame analysis produced by the analyze stage and
// consumed by the enhance stage. It is persisted in the job workspace so a
// redelivered job does not have to re-run analysis from memory.
type AnalysisReport struct {
	Frames []FrameQuality `json:"frames"`
}

// Counts returns the blurry, dark, and good frame counts. A frame that is
// both blurry and dark is counted once, as blurry.
func (r AnalysisReport) Counts() (blurry, dark, good int64) {
	for _, frame := range r.Frames {
		switch {
		case frame.Blurry:
			blurry++
		case frame.Dark:
			dark++
		default:
			good++
		}
	}
	return blurry, dark, good
}

// SaveAnalysis writes the report atomically into the workspace.
func SaveAnalysis(ws Workspace, report AnalysisReport) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode analysis report: %w", err)
	}
	tmp := ws.AnalysisPath() + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("write analysis report: %w", err)
	}
	if err := os.Rename(tmp, ws.AnalysisPath()); err != nil {
		return fmt.Errorf("finalize analysis report: %w", err)
	}
	return nil
}

// LoadAnalysis reads the report persisted by the analyze stage.
func LoadAnalysis(ws Workspace) (AnalysisReport, error) {
	data, err := os.ReadFile(ws.AnalysisPath())
	if err != nil {
		return AnalysisReport{}, fmt.Errorf("read analysis report %q: %w", filepath.Base(ws.AnalysisPath()), err)
	}
	var report AnalysisReport
	if err := json.Unmarshal(data, &report); err != nil {
		return AnalysisReport{}, fmt.Errorf("decode analysis report: %w", err)
	}
	return report, nil
}
