package domain

import "context"

// Document is the live page the insertion runs against. Implementations
// evaluate everything in the page's main world.
type Document interface {
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	Platform(ctx context.Context) (string, error)
	// ReadClipboardImage returns nil, nil when the clipboard holds no image.
	ReadClipboardImage(ctx context.Context) (*Image, error)
}

// Element is a handle into the page, valid for one invocation only.
type Element interface {
	Inspect(ctx context.Context) (ElementInfo, error)
	Focus(ctx context.Context) error
	SetHTML(ctx context.Context, html string) error
	Dispatch(ctx context.Context, ev Event) error
	Click(ctx context.Context) error
}

// ElementInfo is a snapshot of the attributes the heuristics look at.
type ElementInfo struct {
	Tag      string            `json:"tag"`
	Editable bool              `json:"editable"`
	Attrs    map[string]string `json:"attrs"`
	Icons    []string          `json:"icons"` // data-icon of the element and its descendants
	InFooter bool              `json:"inFooter"`
	InMain   bool              `json:"inMain"`
}

// Attr returns the attribute value or "".
func (i ElementInfo) Attr(name string) string {
	if i.Attrs == nil {
		return ""
	}
	return i.Attrs[name]
}

// EventKind names a DOM event type.
type EventKind string

const (
	EventInput          EventKind = "input"
	EventCompositionEnd EventKind = "compositionend"
	EventKeyUp          EventKind = "keyup"
	EventKeyDown        EventKind = "keydown"
	EventChange         EventKind = "change"
	EventPaste          EventKind = "paste"
	EventDrop           EventKind = "drop"
)

// Event is a synthetic DOM event to dispatch on an element.
type Event struct {
	Kind       EventKind `json:"kind"`
	Bubbles    bool      `json:"bubbles"`
	Cancelable bool      `json:"cancelable"`
	InputType  string    `json:"inputType,omitempty"`
	Data       string    `json:"data,omitempty"`
	Key        string    `json:"key,omitempty"`
	Code       string    `json:"code,omitempty"`
	Ctrl       bool      `json:"ctrlKey,omitempty"`
	Meta       bool      `json:"metaKey,omitempty"`
	File       *Image    `json:"file,omitempty"`
}

// Image is an image blob ready to be wrapped into a File in the page.
type Image struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data []byte `json:"data"` // base64 on the wire
}
