package inject

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"wabridge/internal/domain"
	"wabridge/internal/inject/injecttest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestInjector(fetcher ImageFetcher) *Injector {
	return New(Config{Fetcher: fetcher, Logger: testLogger()})
}

type stubFetcher struct {
	img   *domain.Image
	err   error
	calls int
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) (*domain.Image, error) {
	s.calls++
	return s.img, s.err
}

// allComposerSelectors makes an element match every selector in the
// default profile, so ordering alone cannot pick it.
func allComposerSelectors() []string {
	return DefaultProfile().Composer
}

func TestInsert_PrefersFooterComposerOverSearch(t *testing.T) {
	doc := &injecttest.Document{}
	search := doc.Add(&injecttest.Element{
		Name:    "search",
		Matches: allComposerSelectors(),
		Info: domain.ElementInfo{
			Tag:      "div",
			Editable: true,
			Attrs:    map[string]string{"contenteditable": "true", "aria-placeholder": "Search input textbox"},
		},
	})
	sidebar := doc.Add(&injecttest.Element{
		Name:    "sidebar-editable",
		Matches: []string{`div[contenteditable="true"]`},
		Info:    domain.ElementInfo{Tag: "div", Editable: true},
	})
	composer := doc.Add(injecttest.Composer(`div[contenteditable="true"]`))

	report, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: "hello"}, false)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if report.Composer != domain.ComposerPreferred {
		t.Errorf("composer match: got %q", report.Composer)
	}
	if len(composer.HTML()) == 0 {
		t.Fatal("footer composer was not written")
	}
	if len(search.HTML()) != 0 || len(sidebar.HTML()) != 0 {
		t.Error("only the footer composer may be written")
	}
}

func TestInsert_SearchBoxDetectedByDataTab(t *testing.T) {
	doc := &injecttest.Document{}
	doc.Add(&injecttest.Element{
		Name:    "search",
		Matches: []string{`div[contenteditable="true"][data-tab="10"]`},
		Info: domain.ElementInfo{
			Editable: true,
			Attrs:    map[string]string{"data-tab": "3"},
			InMain:   true,
		},
	})

	_, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: "x"}, false)
	if !errors.Is(err, domain.ErrComposerNotFound) {
		t.Fatalf("expected ErrComposerNotFound, got %v", err)
	}
}

func TestInsert_FallbackComposer(t *testing.T) {
	doc := &injecttest.Document{}
	box := doc.Add(&injecttest.Element{
		Name:    "textbox",
		Matches: []string{`[role="textbox"]`},
		Info: domain.ElementInfo{
			Tag:      "div",
			Editable: true,
			Attrs:    map[string]string{"role": "textbox"},
		},
	})

	report, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: "hi"}, false)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if report.Composer != domain.ComposerFallback {
		t.Errorf("composer match: got %q, want fallback", report.Composer)
	}
	if len(box.Events()) != 4 {
		t.Errorf("expected 4 events on fallback composer, got %d", len(box.Events()))
	}
}

func TestInsert_NoComposer(t *testing.T) {
	doc := &injecttest.Document{}
	doc.Add(&injecttest.Element{
		Name:    "readonly",
		Matches: []string{`[role="textbox"]`},
		Info:    domain.ElementInfo{Tag: "div", Editable: false},
	})

	report, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: "hi"}, true)
	if !errors.Is(err, domain.ErrComposerNotFound) {
		t.Fatalf("expected ErrComposerNotFound, got %v", err)
	}
	if err.Error() != "chat input not found" {
		t.Errorf("error text: got %q", err.Error())
	}
	if report.Composer != "" {
		t.Errorf("report should be empty, got %+v", report)
	}
}

func TestInsert_PlainTextboxIsNotAComposer(t *testing.T) {
	doc := &injecttest.Document{}
	input := doc.Add(&injecttest.Element{
		Name:    "input-textbox",
		Matches: []string{`[role="textbox"]`, `[role="textbox"][contenteditable="true"]`},
		Info: domain.ElementInfo{
			Tag:   "input",
			Attrs: map[string]string{"role": "textbox", "type": "text"},
		},
	})
	composer := doc.Add(injecttest.Composer(`div[contenteditable="true"]`))

	report, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: "hi"}, false)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if report.Composer != domain.ComposerPreferred {
		t.Errorf("composer match: got %q", report.Composer)
	}
	if len(input.Events()) != 0 || len(input.HTML()) != 0 {
		t.Error("a textbox without contenteditable must not be written")
	}
	if len(composer.HTML()) == 0 {
		t.Error("contenteditable composer was not written")
	}

	doc = &injecttest.Document{}
	doc.Add(&injecttest.Element{
		Name:    "textarea",
		Matches: []string{`[role="textbox"]`},
		Info:    domain.ElementInfo{Tag: "textarea", Attrs: map[string]string{"role": "textbox"}},
	})
	if _, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: "hi"}, false); !errors.Is(err, domain.ErrComposerNotFound) {
		t.Fatalf("textarea only: expected ErrComposerNotFound, got %v", err)
	}
}

func TestInsert_QueryErrorsAreSkipped(t *testing.T) {
	p := DefaultProfile()
	doc := &injecttest.Document{
		QueryErr: map[string]error{p.Composer[0]: errors.New("SyntaxError")},
	}
	doc.Add(injecttest.Composer(p.Composer[1]))

	if _, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: "a"}, false); err != nil {
		t.Fatalf("a failing selector must not abort discovery: %v", err)
	}
}

func TestInsert_EventSequence(t *testing.T) {
	doc := &injecttest.Document{}
	composer := doc.Add(injecttest.Composer(DefaultProfile().Composer[0]))

	text := "Order #42 ready"
	if _, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: text}, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	events := composer.Events()
	want := []domain.EventKind{domain.EventInput, domain.EventCompositionEnd, domain.EventKeyUp, domain.EventChange}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, ev := range events {
		if ev.Kind != want[i] {
			t.Errorf("event %d: got %s, want %s", i, ev.Kind, want[i])
		}
		if !ev.Bubbles || !ev.Cancelable {
			t.Errorf("event %s must bubble and be cancelable", ev.Kind)
		}
	}
	if events[0].InputType != "insertText" || events[0].Data != text {
		t.Errorf("input event: %+v", events[0])
	}
	if events[1].Data != text {
		t.Errorf("compositionend data: got %q", events[1].Data)
	}

	html := composer.HTML()
	if len(html) != 2 || html[0] != paragraphSkeleton {
		t.Fatalf("expected skeleton then content, got %q", html)
	}
	if !strings.Contains(html[1], text) {
		t.Errorf("content markup missing text: %q", html[1])
	}
	if composer.Focused() < 2 {
		t.Errorf("composer should be focused before and after dispatch, got %d", composer.Focused())
	}
}

func TestComposerMarkup_EscapesHTML(t *testing.T) {
	got := composerMarkup("<img src=x onerror=alert(1)> & \"q\"\nline2")
	if strings.Contains(got, "<img") {
		t.Fatalf("markup not escaped: %s", got)
	}
	for _, want := range []string{"&lt;img", "&amp;", "&#34;q&#34;", "<br>line2"} {
		if !strings.Contains(got, want) {
			t.Errorf("markup %q missing %q", got, want)
		}
	}
}

func TestInsert_AutoSendNotAllowedNeverClicks(t *testing.T) {
	doc := &injecttest.Document{}
	doc.Add(injecttest.Composer(DefaultProfile().Composer[0]))
	doc.Add(injecttest.FooterButton("send", map[string]string{"aria-label": "Send"}, []string{"send"}, "footer button", "#main footer button"))

	report, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: "hi", AutoSend: true}, false)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if doc.TotalClicks() != 0 {
		t.Fatalf("no button may be clicked, got %d clicks", doc.TotalClicks())
	}
	if report.Sent || report.SendWarning == "" {
		t.Errorf("expected unsent report with warning, got %+v", report)
	}
}

func TestInsert_ClicksOnlyPlainSendButton(t *testing.T) {
	doc := &injecttest.Document{}
	doc.Add(injecttest.Composer(DefaultProfile().Composer[0]))
	attach := doc.Add(injecttest.FooterButton("attach",
		map[string]string{"aria-haspopup": "menu", "title": "Attach"},
		[]string{"plus-rounded"}, "footer button", "#main footer button"))
	emoji := doc.Add(injecttest.FooterButton("emoji",
		map[string]string{"aria-label": "Emoji panel"},
		[]string{"emoji"}, "footer button", "#main footer button"))
	send := doc.Add(injecttest.FooterButton("send", map[string]string{}, nil, "footer button", "#main footer button"))

	report, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: "hi", AutoSend: true}, true)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !report.Sent {
		t.Fatalf("expected send, report %+v", report)
	}
	if attach.Clicks() != 0 || emoji.Clicks() != 0 {
		t.Errorf("attach/emoji clicked: attach=%d emoji=%d", attach.Clicks(), emoji.Clicks())
	}
	if send.Clicks() != 1 {
		t.Errorf("send clicks: got %d, want 1", send.Clicks())
	}
}

func TestInsert_EmojiDetectionIsCaseInsensitive(t *testing.T) {
	doc := &injecttest.Document{}
	doc.Add(injecttest.Composer(DefaultProfile().Composer[0]))
	emoji := doc.Add(injecttest.FooterButton("emoji", map[string]string{"aria-label": "EMOJI"}, nil, "footer button"))

	report, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: "hi", AutoSend: true}, true)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if emoji.Clicks() != 0 {
		t.Error("emoji button clicked")
	}
	if report.Sent || report.SendWarning != "send button not found" {
		t.Errorf("expected send-not-found warning, got %+v", report)
	}
}

func TestInsert_SendButtonOutsideFooterIgnored(t *testing.T) {
	doc := &injecttest.Document{}
	doc.Add(injecttest.Composer(DefaultProfile().Composer[0]))
	outside := doc.Add(&injecttest.Element{
		Name:    "header-button",
		Matches: []string{"footer button"},
		Info:    domain.ElementInfo{Tag: "button"},
	})

	report, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: "hi", AutoSend: true}, true)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if outside.Clicks() != 0 || report.Sent {
		t.Error("button outside footer must not be clicked")
	}
}

func TestInsert_ClipboardFailureDoesNotFail(t *testing.T) {
	doc := &injecttest.Document{ClipboardErr: errors.New("NotAllowedError: Read permission denied")}
	composer := doc.Add(injecttest.Composer(DefaultProfile().Composer[0]))

	report, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: "hi", PasteImage: true}, false)
	if err != nil {
		t.Fatalf("image failure must not fail insert: %v", err)
	}
	if !report.Attach.Attempted || report.Attach.Source != domain.AttachNone || report.Attach.Dispatched {
		t.Errorf("attach outcome: %+v", report.Attach)
	}
	if !strings.Contains(report.Attach.Err, "clipboard") {
		t.Errorf("attach error should mention clipboard, got %q", report.Attach.Err)
	}
	if len(composer.Events()) != 4 {
		t.Errorf("only text events expected, got %d", len(composer.Events()))
	}
}

func TestInsert_ImageFromURLFallback(t *testing.T) {
	doc := &injecttest.Document{PlatformName: "Win32"}
	composer := doc.Add(injecttest.Composer(DefaultProfile().Composer[0]))
	doc.Add(&injecttest.Element{Name: "preview", Matches: []string{`[data-testid="media-editor"]`}})

	fetcher := &stubFetcher{img: &domain.Image{MIME: "image/jpeg", Data: []byte{0xff, 0xd8}}}
	report, err := newTestInjector(fetcher).Insert(context.Background(), doc,
		domain.InsertRequest{Text: "invoice", PasteImage: true, ImageURL: "https://cdn.example.com/i.jpg"}, false)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetcher calls: got %d", fetcher.calls)
	}
	if report.Attach.Source != domain.AttachURL || !report.Attach.Dispatched || !report.Attach.Indicated {
		t.Errorf("attach outcome: %+v", report.Attach)
	}

	events := composer.Events()
	if len(events) != 7 {
		t.Fatalf("expected 4 text + 3 image events, got %d", len(events))
	}
	paste, drop, key := events[4], events[5], events[6]
	if paste.Kind != domain.EventPaste || paste.File == nil || paste.File.Name != "image.jpg" {
		t.Errorf("paste event: %+v", paste)
	}
	if drop.Kind != domain.EventDrop || drop.File == nil {
		t.Errorf("drop event: %+v", drop)
	}
	if key.Kind != domain.EventKeyDown || key.Key != "v" || !key.Ctrl || key.Meta {
		t.Errorf("keydown event: %+v", key)
	}
}

func TestInsert_ClipboardPreferredOverURL(t *testing.T) {
	doc := &injecttest.Document{
		PlatformName: "MacIntel",
		Clipboard:    &domain.Image{MIME: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
	}
	composer := doc.Add(injecttest.Composer(DefaultProfile().Composer[0]))
	fetcher := &stubFetcher{err: errors.New("should not be called")}

	report, err := newTestInjector(fetcher).Insert(context.Background(), doc,
		domain.InsertRequest{Text: "x", PasteImage: true, ImageURL: "https://cdn.example.com/i.png"}, false)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if fetcher.calls != 0 {
		t.Error("URL must not be fetched when the clipboard has an image")
	}
	if report.Attach.Source != domain.AttachClipboard || report.Attach.Indicated {
		t.Errorf("attach outcome: %+v", report.Attach)
	}
	key := composer.Events()[6]
	if !key.Meta || key.Ctrl {
		t.Errorf("mac should use Meta+V, got %+v", key)
	}
}

func TestInsert_ImageDispatchErrorsAreNonTerminal(t *testing.T) {
	doc := &injecttest.Document{Clipboard: &domain.Image{MIME: "image/png", Data: []byte{1}}}
	composer := doc.Add(injecttest.Composer(DefaultProfile().Composer[0]))
	composer.DispatchErr = errors.New("DataTransfer unsupported")
	composer.FailingKinds = []domain.EventKind{domain.EventPaste, domain.EventDrop, domain.EventKeyDown}

	report, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: "x", PasteImage: true}, false)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if report.Attach.Dispatched || report.Attach.Err == "" {
		t.Errorf("attach outcome: %+v", report.Attach)
	}
}

func TestInsert_TextDispatchErrorIsTerminal(t *testing.T) {
	doc := &injecttest.Document{}
	composer := doc.Add(injecttest.Composer(DefaultProfile().Composer[0]))
	composer.DispatchErr = errors.New("detached")
	composer.FailingKinds = []domain.EventKind{domain.EventInput}

	if _, err := newTestInjector(nil).Insert(context.Background(), doc, domain.InsertRequest{Text: "x"}, false); err == nil {
		t.Fatal("expected error when the input event cannot be dispatched")
	}
}

func TestInsert_CanceledContext(t *testing.T) {
	doc := &injecttest.Document{}
	doc.Add(injecttest.Composer(DefaultProfile().Composer[0]))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newTestInjector(nil).Insert(ctx, doc, domain.InsertRequest{Text: "x"}, false); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
