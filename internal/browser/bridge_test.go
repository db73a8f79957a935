package browser

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	jsonv2 "github.com/go-json-experiment/json"

	"wabridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestPageTabs_FiltersNonPages(t *testing.T) {
	infos := []*target.Info{
		{TargetID: "sw", Type: "service_worker", URL: "https://web.whatsapp.com/sw.js"},
		{TargetID: "a", Type: "page", URL: "https://example.com/", Title: "Example"},
		nil,
		{TargetID: "b", Type: "page", URL: "https://web.whatsapp.com/", Title: "WhatsApp"},
		{TargetID: "ext", Type: "background_page", URL: "chrome-extension://x/bg.html"},
	}
	tabs := pageTabs(infos)
	if len(tabs) != 2 {
		t.Fatalf("got %d tabs: %+v", len(tabs), tabs)
	}
	if tabs[0].ID != "a" || tabs[1].ID != "b" || tabs[1].Title != "WhatsApp" {
		t.Errorf("tabs: %+v", tabs)
	}
}

func TestPickActive(t *testing.T) {
	tests := []struct {
		name   string
		states []focusState
		want   int
	}{
		{"none", []focusState{{}, {}}, -1},
		{"focused wins", []focusState{{Visible: true}, {Visible: true, Focused: true}}, 1},
		{"first visible", []focusState{{}, {Visible: true}, {Visible: true}}, 1},
		{"focused but hidden ignored", []focusState{{Focused: true}, {Visible: true}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pickActive(tt.states); got != tt.want {
				t.Errorf("pickActive = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPropertyIndex(t *testing.T) {
	cases := map[string]int{"0": 0, "12": 12, "length": -1, "__proto__": -1, "-1": -1}
	for name, want := range cases {
		if got := propertyIndex(name); got != want {
			t.Errorf("propertyIndex(%q) = %d, want %d", name, got, want)
		}
	}
}

// CallFunctionOn encodes its arguments with json v2 and chromedp's options;
// the page script must find its fields in that encoding.
func TestDispatchPayloadShape(t *testing.T) {
	ev := domain.Event{
		Kind:    domain.EventKeyDown,
		Bubbles: true,
		Key:     "v",
		Code:    "KeyV",
		Meta:    true,
		File:    &domain.Image{Name: "image.png", MIME: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
	}
	raw, err := jsonv2.Marshal(ev, chromedp.DefaultMarshalOptions)
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{`"kind":"keydown"`, `"bubbles":true`, `"metaKey":true`, `"code":"KeyV"`, `"name":"image.png"`, `"data":"iVBORw=="`} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("payload %s missing %s", raw, field)
		}
	}
	if strings.Contains(string(raw), `"ctrlKey":true`) {
		t.Errorf("ctrlKey must not be set: %s", raw)
	}

	plain, err := jsonv2.Marshal(domain.Event{Kind: domain.EventInput, Data: "hi"}, chromedp.DefaultMarshalOptions)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(plain), `"file"`) {
		t.Errorf("nil file must be omitted: %s", plain)
	}
}

// silentListener accepts TCP connections and never answers, like a DevTools
// port whose browser hung.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestBridge_ReadyHonoursContext(t *testing.T) {
	addr := silentListener(t)
	b := NewBridge(BridgeConfig{RemoteURL: "ws://" + addr + "/devtools/browser/hung", Logger: testLogger()})
	defer b.Close()

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		start := time.Now()
		err := b.Ready(ctx)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Ready #%d = %v, want deadline exceeded", i, err)
		}
		if took := time.Since(start); took > 2*time.Second {
			t.Fatalf("Ready #%d took %v after a 300ms deadline", i, took)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := b.Tabs(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Tabs should fail while the connection is pending")
		}
	case <-time.After(time.Second):
		t.Fatal("Tabs blocked behind the pending connection")
	}
}

func TestBridge_StartAfterClose(t *testing.T) {
	b := NewBridge(BridgeConfig{RemoteURL: "ws://127.0.0.1:1/devtools/browser/x", Logger: testLogger()})
	b.Close()
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("Start after Close should fail")
	}
}

func TestBridge_NotStarted(t *testing.T) {
	b := NewBridge(BridgeConfig{ProfileDir: t.TempDir(), Logger: testLogger()})
	ctx := context.Background()
	if _, err := b.Attach(ctx, "tab"); err == nil {
		t.Error("Attach must fail before Start")
	}
	if _, err := b.Tabs(ctx); err == nil {
		t.Error("Tabs must fail before Start")
	}
	b.Detach("tab")
	if err := b.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestInspectScript_EditableMeansContentEditable(t *testing.T) {
	if !strings.Contains(inspectScript, "const editable = !!el.isContentEditable;") {
		t.Fatal("editable must come from isContentEditable alone")
	}
	for _, extra := range []string{"'textarea'", "'input'"} {
		if strings.Contains(inspectScript, extra) {
			t.Errorf("inspect script treats %s as editable", extra)
		}
	}
}

func TestCollectFocus_ReleasesOpenedSessions(t *testing.T) {
	tabs := []domain.Tab{{ID: "A"}, {ID: "B"}, {ID: "C"}}
	var released []string
	read := func(ctx context.Context, tabID string) (focusState, func(), error) {
		release := func() { released = append(released, tabID) }
		switch tabID {
		case "A":
			return focusState{Visible: true, Focused: true}, release, nil
		case "B":
			// already attached by the watcher
			return focusState{Visible: true}, nil, nil
		default:
			return focusState{}, release, errors.New("no session")
		}
	}

	states, err := collectFocus(context.Background(), tabs, read, testLogger())
	if err != nil {
		t.Fatalf("collectFocus: %v", err)
	}
	if !states[0].Focused || !states[1].Visible || states[2] != (focusState{}) {
		t.Errorf("states: %+v", states)
	}
	if len(released) != 2 || released[0] != "A" || released[1] != "C" {
		t.Errorf("released %v, want [A C]", released)
	}
}

func TestCollectFocus_CancelledStillReleases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tabs := []domain.Tab{{ID: "A"}, {ID: "B"}, {ID: "C"}}
	var released, read []string
	reader := func(ctx context.Context, tabID string) (focusState, func(), error) {
		read = append(read, tabID)
		if tabID == "B" {
			cancel()
			return focusState{}, func() { released = append(released, tabID) }, ctx.Err()
		}
		return focusState{Visible: true}, func() { released = append(released, tabID) }, nil
	}

	if _, err := collectFocus(ctx, tabs, reader, testLogger()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
	if len(read) != 2 {
		t.Errorf("kept reading after cancel: %v", read)
	}
	if len(released) != 2 {
		t.Errorf("released %v, want A and B", released)
	}
}
