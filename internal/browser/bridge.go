package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"wabridge/internal/domain"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// connectTimeout bounds one connection attempt to Chrome. Callers of Start
// stop waiting when their own ctx ends; the attempt itself runs on.
const connectTimeout = 30 * time.Second

// hides navigator.webdriver in browsers we launch ourselves
const stealthScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

// Bridge owns the connection to Chrome and the per-tab attachments.
// It implements domain.Browser.
type Bridge struct {
	remoteURL   string
	profileDir  string
	headless    bool
	whatsappURL string
	logger      *slog.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	starting      *startAttempt
	closed        bool
	tabs          map[string]*attachedTab
}

// startAttempt is one in-flight connection shared by concurrent Start calls.
type startAttempt struct {
	done chan struct{}
	err  error
}

type attachedTab struct {
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{} // closed once the attach settled
	err    error
}

// BridgeConfig holds configuration for the browser bridge.
type BridgeConfig struct {
	RemoteURL   string // DevTools endpoint of a running Chrome; empty = launch one
	ProfileDir  string // Chrome user data directory (keeps the WhatsApp session)
	Headless    bool
	WhatsAppURL string
	Logger      *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".wabridge", "chrome-profile")
	}
	if cfg.WhatsAppURL == "" {
		cfg.WhatsAppURL = "https://web.whatsapp.com/"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		remoteURL:   cfg.RemoteURL,
		profileDir:  cfg.ProfileDir,
		headless:    cfg.Headless,
		whatsappURL: cfg.WhatsAppURL,
		logger:      cfg.Logger,
		tabs:        make(map[string]*attachedTab),
	}
}

func (b *Bridge) execOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.Flag("disable-session-crashed-bubble", true),
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(1280, 900),
	)
	if headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// Start connects to (or launches) Chrome. A launched browser opens WhatsApp
// Web in its first tab; an attached one is left as the user has it.
// The connection is made in the background; Start returns when it is up,
// when it failed, or when ctx ends, whichever comes first.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("browser closed")
	}
	if b.browserCtx != nil {
		if b.browserCtx.Err() == nil {
			b.mu.Unlock()
			return nil
		}
		b.logger.Warn("browser connection lost, reconnecting")
		b.resetLocked()
	}
	at := b.starting
	if at == nil {
		at = &startAttempt{done: make(chan struct{})}
		b.starting = at
		go b.connect(at)
	}
	b.mu.Unlock()

	select {
	case <-at.done:
		return at.err
	case <-ctx.Done():
		return fmt.Errorf("start browser: %w", ctx.Err())
	}
}

// connect runs one connection attempt without holding b.mu.
func (b *Bridge) connect(at *startAttempt) {
	defer close(at.done)

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if b.remoteURL != "" {
		b.logger.Info("connecting to running chrome", "url", b.remoteURL)
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), b.remoteURL)
	} else {
		if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
			b.finishStart(at, nil, nil, nil, fmt.Errorf("create profile dir: %w", err))
			return
		}
		b.logger.Info("launching chrome", "profile", b.profileDir, "headless", b.headless)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), b.execOptions(b.headless)...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run binds the browser's lifetime to browserCtx, so it cannot
	// run under a caller's deadline. The timer cancels a stuck handshake.
	timer := time.AfterFunc(connectTimeout, browserCancel)
	var err error
	if b.remoteURL != "" {
		_, err = chromedp.Targets(browserCtx)
	} else {
		err = chromedp.Run(browserCtx,
			chromedp.ActionFunc(func(ctx context.Context) error {
				_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
				return err
			}),
			chromedp.Navigate(b.whatsappURL),
		)
	}
	if !timer.Stop() && err == nil {
		err = errors.New("connection timed out")
	}
	if err != nil {
		browserCancel()
		allocCancel()
		b.finishStart(at, nil, nil, nil, fmt.Errorf("start browser: %w", err))
		return
	}
	b.finishStart(at, browserCtx, browserCancel, allocCancel, nil)
}

func (b *Bridge) finishStart(at *startAttempt, bctx context.Context, bcancel, acancel context.CancelFunc, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starting = nil
	at.err = err
	if err != nil {
		return
	}
	if b.closed {
		// no tabs are attached yet, so cancelling closes nothing of the user's
		bcancel()
		acancel()
		at.err = errors.New("browser closed")
		return
	}
	b.browserCtx, b.browserCancel, b.allocCancel = bctx, bcancel, acancel
}

// resetLocked forgets a dead connection and its tab attachments.
func (b *Bridge) resetLocked() {
	b.browserCancel()
	b.allocCancel()
	b.browserCtx = nil
	b.tabs = make(map[string]*attachedTab)
}

// Close shuts a launched browser down. A remote browser is left alone:
// cancelling its tab contexts would close the user's tabs, so the
// connection simply ends with the process.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.remoteURL != "" {
		b.tabs = make(map[string]*attachedTab)
		b.browserCtx = nil
		return nil
	}
	for id, t := range b.tabs {
		t.cancel()
		delete(b.tabs, id)
	}
	if b.browserCancel != nil {
		b.browserCancel()
		b.allocCancel()
		b.browserCtx = nil
	}
	return nil
}

func (b *Bridge) browserExec(ctx context.Context) (context.Context, error) {
	b.mu.Lock()
	bctx := b.browserCtx
	b.mu.Unlock()
	if bctx == nil {
		return nil, errors.New("browser not started")
	}
	c := chromedp.FromContext(bctx)
	if c == nil || c.Browser == nil {
		return nil, errors.New("browser not connected")
	}
	return cdp.WithExecutor(ctx, c.Browser), nil
}

// Ready reports whether the DevTools connection answers, starting the
// browser first when that has not happened yet.
func (b *Bridge) Ready(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	ectx, err := b.browserExec(ctx)
	if err != nil {
		return err
	}
	_, err = target.GetTargets().Do(ectx)
	return err
}

func (b *Bridge) Tabs(ctx context.Context) ([]domain.Tab, error) {
	ectx, err := b.browserExec(ctx)
	if err != nil {
		return nil, err
	}
	infos, err := target.GetTargets().Do(ectx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return pageTabs(infos), nil
}

// pageTabs keeps page targets only, in browser order.
func pageTabs(infos []*target.Info) []domain.Tab {
	tabs := make([]domain.Tab, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		tabs = append(tabs, domain.Tab{
			ID:    string(info.TargetID),
			URL:   info.URL,
			Title: info.Title,
			Type:  info.Type,
		})
	}
	return tabs
}

type focusState struct {
	Visible bool `json:"visible"`
	Focused bool `json:"focused"`
}

// ActiveTab checks every page for focus. The focused document wins, then
// the first visible one. Returns nil, nil when nothing qualifies. Sessions
// opened only for the check are detached again.
func (b *Bridge) ActiveTab(ctx context.Context) (*domain.Tab, error) {
	tabs, err := b.Tabs(ctx)
	if err != nil {
		return nil, err
	}
	states, err := collectFocus(ctx, tabs, b.readFocus, b.logger)
	if err != nil {
		return nil, err
	}
	idx := pickActive(states)
	if idx < 0 {
		return nil, nil
	}
	tab := tabs[idx]
	tab.Active = true
	return &tab, nil
}

// focusReader reads one tab's focus state. release is non-nil when the
// session was opened for this read and has to be ended afterwards.
type focusReader func(ctx context.Context, tabID string) (st focusState, release func(), err error)

func (b *Bridge) readFocus(ctx context.Context, tabID string) (focusState, func(), error) {
	doc, created, err := b.attach(ctx, tabID)
	var release func()
	if created {
		release = func() { b.Detach(tabID) }
	}
	if err != nil {
		return focusState{}, release, err
	}
	st, err := doc.focusState(ctx)
	return st, release, err
}

// collectFocus reads every tab and runs all releases before returning,
// whatever the outcome.
func collectFocus(ctx context.Context, tabs []domain.Tab, read focusReader, logger *slog.Logger) ([]focusState, error) {
	var releases []func()
	defer func() {
		for _, release := range releases {
			release()
		}
	}()

	states := make([]focusState, len(tabs))
	for i, t := range tabs {
		st, release, err := read(ctx, t.ID)
		if release != nil {
			releases = append(releases, release)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Debug("skip tab in focus check", "tab", t.ID, "err", err)
			continue
		}
		states[i] = st
	}
	return states, nil
}

func pickActive(states []focusState) int {
	visible := -1
	for i, st := range states {
		if st.Visible && st.Focused {
			return i
		}
		if st.Visible && visible < 0 {
			visible = i
		}
	}
	return visible
}

// Attach returns a Document bound to the tab's main world. Attachments are
// cached until Detach or Close.
func (b *Bridge) Attach(ctx context.Context, tabID string) (domain.Document, error) {
	doc, _, err := b.attach(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// attach reports whether this call opened the session for the tab. The
// session is established in the background so ctx only bounds the wait.
func (b *Bridge) attach(ctx context.Context, tabID string) (*cdpDocument, bool, error) {
	b.mu.Lock()
	if b.browserCtx == nil {
		b.mu.Unlock()
		return nil, false, errors.New("browser not started")
	}
	t, ok := b.tabs[tabID]
	if !ok {
		tctx, cancel := chromedp.NewContext(b.browserCtx, chromedp.WithTargetID(target.ID(tabID)))
		t = &attachedTab{ctx: tctx, cancel: cancel, ready: make(chan struct{})}
		b.tabs[tabID] = t
		go b.runAttach(tabID, t)
	}
	b.mu.Unlock()

	select {
	case <-t.ready:
	case <-ctx.Done():
		return nil, !ok, fmt.Errorf("attach to tab %s: %w", tabID, ctx.Err())
	}
	if t.err != nil {
		return nil, false, t.err
	}
	c := chromedp.FromContext(t.ctx)
	return &cdpDocument{
		exec: func(parent context.Context) context.Context {
			return cdp.WithExecutor(parent, c.Target)
		},
		browserExec: b.browserExec,
		logger:      b.logger,
	}, !ok, nil
}

func (b *Bridge) runAttach(tabID string, t *attachedTab) {
	defer close(t.ready)
	// the first Run on a tab context performs the attach
	err := chromedp.Run(t.ctx)
	if c := chromedp.FromContext(t.ctx); err == nil && (c == nil || c.Target == nil) {
		err = errors.New("no session")
	}
	if err != nil {
		t.err = fmt.Errorf("attach to tab %s: %w", tabID, err)
		b.mu.Lock()
		if b.tabs[tabID] == t {
			delete(b.tabs, tabID)
		}
		b.mu.Unlock()
		b.release(t)
		return
	}
	b.logger.Debug("attached to tab", "tab", tabID)
}

// Detach ends our DevTools session on the tab and leaves the tab open. An
// attach still in flight is released once it settles.
func (b *Bridge) Detach(tabID string) {
	b.mu.Lock()
	t, ok := b.tabs[tabID]
	delete(b.tabs, tabID)
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-t.ready:
		b.release(t)
	default:
		go func() {
			<-t.ready
			b.release(t)
		}()
	}
}

// release drops one attachment. Cancelling a chromedp tab context sends
// Target.closeTarget, so a live session is detached over the browser
// connection instead and its context is left to end with the browser's.
func (b *Bridge) release(t *attachedTab) {
	c := chromedp.FromContext(t.ctx)
	if c == nil || c.Target == nil || c.Target.SessionID == "" {
		t.cancel()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ectx, err := b.browserExec(ctx)
	if err != nil {
		return
	}
	if err := target.DetachFromTarget().WithSessionID(c.Target.SessionID).Do(ectx); err != nil {
		b.logger.Debug("detach from tab", "session", c.Target.SessionID, "err", err)
	}
}

// Login opens a visible browser on WhatsApp Web so the user can scan the
// QR code. The session is kept in the profile directory.
func (b *Bridge) Login(ctx context.Context) error {
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	b.logger.Info("opening browser for login", "url", b.whatsappURL)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, b.execOptions(false)...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(b.whatsappURL)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}

	b.logger.Info("browser opened. Scan the QR code, then press Ctrl+C.")
	<-ctx.Done()

	b.logger.Info("login session saved", "profile", b.profileDir)
	return nil
}
