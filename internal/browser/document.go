package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"wabridge/internal/domain"
)

// cdpDocument evaluates in the tab's default execution context, which is
// the page's main world.
type cdpDocument struct {
	exec        func(context.Context) context.Context
	browserExec func(context.Context) (context.Context, error)
	logger      *slog.Logger
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func (d *cdpDocument) evalJSON(ctx context.Context, expr string, out any, opts ...chromedp.EvaluateOption) error {
	var raw string
	if err := chromedp.Evaluate(expr, &raw, opts...).Do(d.exec(ctx)); err != nil {
		return err
	}
	if raw == "" || out == nil {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

func (d *cdpDocument) focusState(ctx context.Context) (focusState, error) {
	var st focusState
	err := d.evalJSON(ctx, focusStateScript, &st)
	return st, err
}

func (d *cdpDocument) QueryAll(ctx context.Context, selector string) ([]domain.Element, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return nil, err
	}
	ectx := d.exec(ctx)

	var list *runtime.RemoteObject
	expr := fmt.Sprintf("Array.from(document.querySelectorAll(%s))", sel)
	if err := chromedp.Evaluate(expr, &list).Do(ectx); err != nil {
		return nil, fmt.Errorf("query %s: %w", selector, err)
	}
	if list == nil || list.ObjectID == "" {
		return nil, nil
	}
	defer func() {
		if err := runtime.ReleaseObject(list.ObjectID).Do(ectx); err != nil {
			d.logger.Debug("release node list", "err", err)
		}
	}()

	props, _, _, exc, err := runtime.GetProperties(list.ObjectID).WithOwnProperties(true).Do(ectx)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", selector, err)
	}
	if exc != nil {
		return nil, fmt.Errorf("query %s: %w", selector, exc)
	}

	byIndex := make(map[int]runtime.RemoteObjectID)
	for _, p := range props {
		if p == nil || p.Value == nil || p.Value.ObjectID == "" {
			continue
		}
		if i := propertyIndex(p.Name); i >= 0 {
			byIndex[i] = p.Value.ObjectID
		}
	}

	idx := make([]int, 0, len(byIndex))
	for i := range byIndex {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	elems := make([]domain.Element, 0, len(idx))
	for _, i := range idx {
		elems = append(elems, &cdpElement{doc: d, id: byIndex[i]})
	}
	return elems, nil
}

// propertyIndex parses an array property name; -1 for "length" and friends.
func propertyIndex(name string) int {
	n, err := strconv.Atoi(name)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func (d *cdpDocument) Platform(ctx context.Context) (string, error) {
	var platform string
	if err := chromedp.Evaluate("navigator.platform", &platform).Do(d.exec(ctx)); err != nil {
		return "", fmt.Errorf("read platform: %w", err)
	}
	return platform, nil
}

type clipboardPayload struct {
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// ReadClipboardImage grants clipboard access, emulates focus so a
// background tab may read, and returns the first PNG or JPEG item.
func (d *cdpDocument) ReadClipboardImage(ctx context.Context) (*domain.Image, error) {
	if bctx, err := d.browserExec(ctx); err == nil {
		err := cdpbrowser.GrantPermissions([]cdpbrowser.PermissionType{cdpbrowser.PermissionTypeClipboardReadWrite}).Do(bctx)
		if err != nil {
			d.logger.Debug("grant clipboard permission", "err", err)
		}
	}
	if err := emulation.SetFocusEmulationEnabled(true).Do(d.exec(ctx)); err != nil {
		d.logger.Debug("focus emulation", "err", err)
	}

	var payload clipboardPayload
	if err := d.evalJSON(ctx, clipboardScript, &payload, awaitPromise); err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 {
		return nil, nil
	}
	return &domain.Image{MIME: payload.MIME, Data: payload.Data}, nil
}

type cdpElement struct {
	doc *cdpDocument
	id  runtime.RemoteObjectID
}

func (e *cdpElement) call(ctx context.Context, fn string, res any, args ...any) error {
	withObject := func(p *runtime.CallFunctionOnParams) *runtime.CallFunctionOnParams {
		return p.WithObjectID(e.id)
	}
	return chromedp.CallFunctionOn(fn, res, withObject, args...).Do(e.doc.exec(ctx))
}

func (e *cdpElement) Inspect(ctx context.Context) (domain.ElementInfo, error) {
	var raw string
	var info domain.ElementInfo
	if err := e.call(ctx, inspectScript, &raw); err != nil {
		return info, fmt.Errorf("inspect element: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return info, fmt.Errorf("inspect element: %w", err)
	}
	return info, nil
}

func (e *cdpElement) Focus(ctx context.Context) error {
	return e.call(ctx, `function() { this.focus(); }`, nil)
}

func (e *cdpElement) SetHTML(ctx context.Context, html string) error {
	return e.call(ctx, `function(html) { this.innerHTML = html; }`, nil, html)
}

func (e *cdpElement) Dispatch(ctx context.Context, ev domain.Event) error {
	if err := e.call(ctx, dispatchScript, nil, ev); err != nil {
		return fmt.Errorf("dispatch %s: %w", ev.Kind, err)
	}
	return nil
}

func (e *cdpElement) Click(ctx context.Context) error {
	return e.call(ctx, `function() { this.click(); }`, nil)
}
