package domain

import "errors"

// InsertRequest is consumed exactly once by one entry point.
type InsertRequest struct {
	Text       string
	AutoSend   bool
	PasteImage bool
	ImageURL   string
}

// Terminal failures. Anything else that goes wrong during image attachment
// or send-button lookup is reported in the Report and never returned.
var (
	ErrCapabilityUnavailable = errors.New("scripting capability not available")
	ErrTargetNotFound        = errors.New("no WhatsApp tab found")
	ErrComposerNotFound      = errors.New("chat input not found")
)

// ComposerMatch says how the composer was picked.
type ComposerMatch string

const (
	ComposerPreferred ComposerMatch = "preferred" // inside #main or footer
	ComposerFallback  ComposerMatch = "fallback"  // editable, not search, elsewhere
)

// AttachSource is where an image came from.
type AttachSource string

const (
	AttachNone      AttachSource = "none"
	AttachClipboard AttachSource = "clipboard"
	AttachURL       AttachSource = "url"
)

// AttachOutcome is the degraded-success result of the image step.
type AttachOutcome struct {
	Attempted  bool
	Source     AttachSource
	Dispatched bool
	Indicated  bool
	Err        string
}

// Report describes what a single insertion did.
type Report struct {
	Composer    ComposerMatch
	Attach      AttachOutcome
	Sent        bool
	SendWarning string
}
