package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUpload marks failures while transferring the source mix to the
	// separation service.
	ErrUpload = errors.New("upload failure")
	// ErrRemote marks failures reported by (or while reaching) the remote
	// separation service.
	ErrRemote = errors.New("remote processing failure")
	// ErrDownload marks failures while retrieving separated stems.
	ErrDownload = errors.New("download failure")
	// ErrArtifactMissing marks a requested stem that is absent after download.
	ErrArtifactMissing = errors.New("artifact missing")
	// ErrValidation marks malformed or unusable job input.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration marks missing or invalid component configuration.
	ErrConfiguration = errors.New("configuration error")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrRemote
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// UserMessage strips the sentinel prefix from a stage error, leaving the
// operator-readable description that terminal events carry.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, marker := range []error{ErrUpload, ErrRemote, ErrDownload, ErrArtifactMissing, ErrValidation, ErrConfiguration} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(msg, prefix) {
			return strings.TrimPrefix(msg, prefix)
		}
	}
	return msg
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
