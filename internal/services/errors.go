package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrStageExecution   = errors.New("stage execution error")
	ErrSoftTimeout      = errors.New("soft timeout")
	ErrHardTimeout      = errors.New("hard timeout")
	ErrNotFound         = errors.New("not found")
	ErrExternalTool     = errors.New("external tool error")
	ErrTransient        = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// FailureReason maps a pipeline error to the stable failure reason string
// recorded on the job and exposed on the wire.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrHardTimeout):
		return "hard_timeout"
	case errors.Is(err, ErrSoftTimeout):
		return "soft_timeout"
	case errors.Is(err, ErrQueueUnavailable):
		return "queue_unavailable"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "stage_execution"
	}
}

// Message extracts a human-readable failure message from a pipeline error,
// stripping the sentinel prefix when present.
func Message(err error) string {
	if err == nil {
		return ""
	}
	text := strings.TrimSpace(err.Error())
	for _, marker := range []error{ErrValidation, ErrQueueUnavailable, ErrStageExecution, ErrSoftTimeout, ErrHardTimeout, ErrNotFound, ErrExternalTool, ErrTransient} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(text, prefix) {
			return strings.TrimPrefix(text, prefix)
		}
	}
	return text
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
