package turn

import (
	"errors"
	"fmt"
)

// BuildErrorKind classifies why an attachment could not be inlined.
type BuildErrorKind string

const (
	AttachmentTooLarge        BuildErrorKind = "attachment_too_large"
	UnsupportedAttachmentType BuildErrorKind = "unsupported_attachment_type"
	AttachmentAccessDisabled  BuildErrorKind = "attachment_access_disabled"
	AttachmentDownloadFailed  BuildErrorKind = "attachment_download_failed"
	AttachmentLimitReached    BuildErrorKind = "attachment_limit_reached"
)

// ErrBuild is matched by every *BuildError.
var ErrBuild = errors.New("turn build failed")

// BuildError reports an attachment that was replaced by a warning block.
// The turn itself still proceeds.
type BuildError struct {
	Kind       BuildErrorKind
	Attachment string
	MimeType   string
	Cause      error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("%s: %q", e.Kind, e.Attachment)
	if e.MimeType != "" {
		msg += " (" + e.MimeType + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *BuildError) Unwrap() error {
	return e.Cause
}

func (e *BuildError) Is(target error) bool {
	return target == ErrBuild
}

// notice is the text shown to the model in place of the attachment.
func (e *BuildError) notice() string {
	var reason string
	switch e.Kind {
	case AttachmentTooLarge:
		reason = "the file is too large"
	case UnsupportedAttachmentType:
		reason = "the file type is not supported"
	case AttachmentAccessDisabled:
		reason = "file access is disabled for this type"
	case AttachmentLimitReached:
		reason = "too many files of this type in the conversation"
	default:
		reason = "the file could not be downloaded"
	}
	return fmt.Sprintf("(Attachment %q was not included: %s.)", e.Attachment, reason)
}

// ContextOverflowError is returned when the newest input alone does not fit
// the model's context window.
type ContextOverflowError struct {
	EstimatedTokens  int
	MaxContextTokens int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("The input is too long to be processed (%d/%d tokens).", e.EstimatedTokens, e.MaxContextTokens)
}
