// Package injecttest provides an in-memory domain.Document for tests.
package injecttest

import (
	"context"
	"slices"
	"sync"

	"wabridge/internal/domain"
)

// Document is a fake page. Elements match exactly the selectors listed in
// their Matches field and are returned in document order.
type Document struct {
	mu sync.Mutex

	Elements     []*Element
	PlatformName string
	Clipboard    *domain.Image
	ClipboardErr error
	QueryErr     map[string]error

	queries        []string
	clipboardReads int
}

// Element is a fake DOM node that records what was done to it.
type Element struct {
	Name    string
	Info    domain.ElementInfo
	Matches []string

	// DispatchErr, when set, fails every Dispatch of the given kinds.
	DispatchErr  error
	FailingKinds []domain.EventKind

	// OnDispatch runs after an event is recorded.
	OnDispatch func(domain.Event)

	mu     sync.Mutex
	html   []string
	events []domain.Event
	clicks int
	focus  int
}

// Add appends an element and returns it.
func (d *Document) Add(el *Element) *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Elements = append(d.Elements, el)
	return el
}

func (d *Document) QueryAll(ctx context.Context, selector string) ([]domain.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, selector)
	if err, ok := d.QueryErr[selector]; ok {
		return nil, err
	}
	var out []domain.Element
	for _, el := range d.Elements {
		if slices.Contains(el.Matches, selector) {
			out = append(out, el)
		}
	}
	return out, nil
}

func (d *Document) Platform(ctx context.Context) (string, error) {
	return d.PlatformName, nil
}

func (d *Document) ReadClipboardImage(ctx context.Context) (*domain.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clipboardReads++
	if d.ClipboardErr != nil {
		return nil, d.ClipboardErr
	}
	return d.Clipboard, nil
}

// Queries returns the selectors queried so far.
func (d *Document) Queries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.queries)
}

// ClipboardReads returns how often the clipboard was read.
func (d *Document) ClipboardReads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clipboardReads
}

// TotalClicks sums clicks across all elements.
func (d *Document) TotalClicks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, el := range d.Elements {
		n += el.Clicks()
	}
	return n
}

func (e *Element) Inspect(ctx context.Context) (domain.ElementInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.ElementInfo{}, err
	}
	return e.Info, nil
}

func (e *Element) Focus(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.focus++
	return nil
}

func (e *Element) SetHTML(ctx context.Context, html string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.html = append(e.html, html)
	return nil
}

func (e *Element) Dispatch(ctx context.Context, ev domain.Event) error {
	if e.DispatchErr != nil && (len(e.FailingKinds) == 0 || slices.Contains(e.FailingKinds, ev.Kind)) {
		return e.DispatchErr
	}
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	if e.OnDispatch != nil {
		e.OnDispatch(ev)
	}
	return nil
}

func (e *Element) Click(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clicks++
	return nil
}

// HTML returns every markup write in order.
func (e *Element) HTML() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.html)
}

// Events returns dispatched events in order.
func (e *Element) Events() []domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.events)
}

func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

func (e *Element) Focused() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.focus
}

// Composer builds an editable footer composer matching the given selectors.
func Composer(matches ...string) *Element {
	return &Element{
		Name:    "composer",
		Matches: matches,
		Info: domain.ElementInfo{
			Tag:      "div",
			Editable: true,
			Attrs:    map[string]string{"contenteditable": "true", "role": "textbox", "data-tab": "10"},
			InFooter: true,
			InMain:   true,
		},
	}
}

// FooterButton builds a button inside the composer footer.
func FooterButton(name string, attrs map[string]string, icons []string, matches ...string) *Element {
	return &Element{
		Name:    name,
		Matches: matches,
		Info: domain.ElementInfo{
			Tag:      "button",
			Attrs:    attrs,
			Icons:    icons,
			InFooter: true,
			InMain:   true,
		},
	}
}
