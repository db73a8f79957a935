package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wabridge/internal/bus"
	"wabridge/internal/channel"
	"wabridge/internal/config"
	"wabridge/internal/domain"
)

func init() {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunWizard(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := config.Defaults()

	answers := strings.Join([]string{
		"",       // DevTools URL: launch our own
		"",       // profile dir: default
		"y",      // allow auto-send
		"",       // HTTP: keep enabled
		"9000",   // port
		"y",      // require password
		"me",     // username
		"secret", // password
		"y",      // websocket
		"chrome-extension://abc, http://localhost:3000",
		"n", // telegram
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := runWizard(strings.NewReader(answers), &out, cfg); err != nil {
		t.Fatalf("runWizard: %v", err)
	}

	if cfg.Browser.RemoteURL != "" {
		t.Errorf("RemoteURL = %q", cfg.Browser.RemoteURL)
	}
	if strings.HasPrefix(cfg.Browser.ProfileDir, "~") {
		t.Errorf("ProfileDir not expanded: %q", cfg.Browser.ProfileDir)
	}
	if !cfg.Bridge.AllowAutoSend {
		t.Error("AllowAutoSend should be set")
	}
	h := cfg.Channels.HTTP
	if !h.Enabled || h.Port != 9000 || !h.Auth.Enabled || h.Auth.Username != "me" {
		t.Errorf("http = %+v", h)
	}
	if h.Auth.PasswordHash != channel.HashPassword("secret") {
		t.Error("password not hashed")
	}
	ws := cfg.Channels.WebSocket
	if !ws.Enabled || len(ws.AllowedOrigins) != 2 || ws.AllowedOrigins[1] != "http://localhost:3000" {
		t.Errorf("websocket = %+v", ws)
	}
	if cfg.Channels.Telegram.Enabled {
		t.Error("telegram should stay disabled")
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if !strings.Contains(out.String(), "--- Step 3: Channels ---") {
		t.Errorf("missing step header in output:\n%s", out.String())
	}
}

func TestRunWizard_RemoteBrowser(t *testing.T) {
	cfg := config.Defaults()
	profile := cfg.Browser.ProfileDir
	answers := "http://127.0.0.1:9222\nn\nn\nn\nn\n"

	if err := runWizard(strings.NewReader(answers), io.Discard, cfg); err != nil {
		t.Fatalf("runWizard: %v", err)
	}
	if cfg.Browser.RemoteURL != "http://127.0.0.1:9222" {
		t.Errorf("RemoteURL = %q", cfg.Browser.RemoteURL)
	}
	if cfg.Browser.ProfileDir != profile {
		t.Errorf("ProfileDir changed to %q", cfg.Browser.ProfileDir)
	}
	if cfg.Channels.HTTP.Enabled {
		t.Error("http should be disabled")
	}
}

func TestRunWizard_BadPort(t *testing.T) {
	cfg := config.Defaults()
	answers := "\n\nn\ny\nnot-a-port\n"
	if err := runWizard(strings.NewReader(answers), io.Discard, cfg); err == nil {
		t.Fatal("expected an error for a bad port")
	}
}

func TestRunWizard_ShortInput(t *testing.T) {
	cfg := config.Defaults()
	if err := runWizard(strings.NewReader("\n"), io.Discard, cfg); err == nil {
		t.Fatal("expected EOF error")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("splitList = %q", got)
	}
	if splitList("") != nil {
		t.Error("empty input should give nil")
	}
}

func TestBackupRoundTrip(t *testing.T) {
	src := t.TempDir()
	set := backupSet{
		configPath:  filepath.Join(src, "config.json"),
		journalPath: filepath.Join(src, "journal.db"),
		profilePath: filepath.Join(src, "selectors.yaml"),
	}
	contents := map[string]string{
		set.configPath:           `{"general":{}}`,
		set.journalPath:          "sqlite bytes",
		set.journalPath + "-wal": "wal bytes",
		set.profilePath:          "composer: []\n",
	}
	for path, body := range contents {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	files := set.files()
	if len(files) != 4 {
		t.Fatalf("files() = %v, want 4 entries (no -shm)", files)
	}
	archive := filepath.Join(t.TempDir(), "b.tar.gz")
	if err := createTarGz(archive, files); err != nil {
		t.Fatalf("createTarGz: %v", err)
	}

	dst := t.TempDir()
	restoreSet := backupSet{
		configPath:  filepath.Join(dst, "config.json"),
		journalPath: filepath.Join(dst, "data", "journal.db"),
		profilePath: filepath.Join(dst, "selectors.yaml"),
	}
	restored, err := extractTarGz(archive, restoreSet)
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	if len(restored) != 4 {
		t.Errorf("restored %v", restored)
	}
	want := map[string]string{
		restoreSet.configPath:           `{"general":{}}`,
		restoreSet.journalPath:          "sqlite bytes",
		restoreSet.journalPath + "-wal": "wal bytes",
		restoreSet.profilePath:          "composer: []\n",
	}
	for path, body := range want {
		got, err := os.ReadFile(path)
		if err != nil {
			t.Errorf("read %s: %v", path, err)
			continue
		}
		if string(got) != body {
			t.Errorf("%s = %q, want %q", path, got, body)
		}
	}
}

func TestBackupSet_Target(t *testing.T) {
	set := backupSet{configPath: "/c/config.json", journalPath: "/d/journal.db"}
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"config.json", "/c/config.json", true},
		{"journal.db-shm", "/d/journal.db-shm", true},
		{"../../etc/passwd", "", false},
		{"custom.yml", filepath.Join("/c", "custom.yml"), true},
	}
	for _, tt := range tests {
		got, ok := set.target(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("target(%q) = %q, %v; want %q, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractTarGz_NotGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar.gz")
	os.WriteFile(path, []byte("plain text"), 0o600)
	if _, err := extractTarGz(path, backupSet{}); err == nil {
		t.Fatal("expected an error")
	}
}

func TestHumanSize(t *testing.T) {
	tests := map[int64]string{
		12:              "12 B",
		2048:            "2.0 KB",
		3 * 1024 * 1024: "3.0 MB",
	}
	for in, want := range tests {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestInstallSystemd(t *testing.T) {
	home := t.TempDir()
	path, err := installSystemd(home, "/usr/local/bin/wabridge", "/home/u/.wabridge/config.json")
	if err != nil {
		t.Fatalf("installSystemd: %v", err)
	}
	if path != systemdPath(home) {
		t.Errorf("path = %q", path)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "ExecStart=/usr/local/bin/wabridge serve --config /home/u/.wabridge/config.json") {
		t.Errorf("unit:\n%s", data)
	}
}

func TestInstallLaunchd(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path, err := installLaunchd(home, "/opt/wabridge", "/tmp/config.json")
	if err != nil {
		t.Fatalf("installLaunchd: %v", err)
	}
	data, _ := os.ReadFile(path)
	plist := string(data)
	for _, want := range []string{"<string>com.wabridge.serve</string>", "<string>/opt/wabridge</string>", "<string>/tmp/config.json</string>"} {
		if !strings.Contains(plist, want) {
			t.Errorf("plist missing %s", want)
		}
	}
	if strings.Contains(plist, "{{") {
		t.Error("unreplaced placeholder in plist")
	}
}

func TestAPIClient_Send(t *testing.T) {
	var got domain.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "me" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/api/message" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(domain.OKResponse())
	}))
	defer srv.Close()

	c := &apiClient{base: srv.URL, user: "me", pass: "pw", http: srv.Client()}
	resp, err := c.Send(context.Background(), domain.Message{Type: domain.TypeInsert, Text: "hi", AutoSend: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.OK {
		t.Errorf("resp = %+v", resp)
	}
	if got.Type != domain.TypeInsert || got.Text != "hi" || !got.AutoSend {
		t.Errorf("server saw %+v", got)
	}

	c.pass = "wrong"
	if _, err := c.Send(context.Background(), domain.Message{Type: domain.TypePing}); err == nil || !strings.Contains(err.Error(), passwordEnv) {
		t.Errorf("err = %v, want unauthorized hint", err)
	}
}

func TestNewAPIClient(t *testing.T) {
	cfg := config.Defaults()
	cfg.Channels.HTTP.Host = "0.0.0.0"
	c, err := newAPIClient(cfg, time.Second)
	if err != nil {
		t.Fatalf("newAPIClient: %v", err)
	}
	if c.base != "http://127.0.0.1:8765" {
		t.Errorf("base = %q", c.base)
	}

	cfg.Channels.HTTP.Auth.Enabled = true
	t.Setenv(passwordEnv, "")
	if _, err := newAPIClient(cfg, time.Second); err == nil {
		t.Error("expected error without a password")
	}

	cfg.Channels.HTTP.Enabled = false
	if _, err := newAPIClient(cfg, time.Second); err == nil {
		t.Error("expected error when the http channel is disabled")
	}
}

func TestPrintHistory(t *testing.T) {
	rows := []domain.Delivery{
		{Type: domain.TypeInsert, Channel: "http", Source: "dispatcher", OK: true, AttachSource: domain.AttachURL, Sent: true, DurationMs: 120, CreatedAt: time.Now()},
		{Type: domain.TypePaste, Channel: "telegram", Source: "listener", Error: "composer not found", CreatedAt: time.Now()},
	}
	var buf bytes.Buffer
	printHistory(&buf, rows)
	out := buf.String()
	for _, want := range []string{"TIME", "INSERT_WHATSAPP", "url", "error: composer not found", "telegram"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("got %q", got)
	}
}

func TestCheckDatabase_LeavesWALFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "journal.db")
	if err := checkDatabase(path); err != nil {
		t.Fatalf("checkDatabase: %v", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestBuildChannels(t *testing.T) {
	cfg := config.Defaults()
	cfg.Channels.WebSocket.Enabled = true
	cfg.Channels.Telegram = config.TelegramConfig{Enabled: true, Token: "123:abc"}
	cfg.Channels.Discord = config.DiscordConfig{Enabled: true, Token: "discord"}
	cfg.Channels.Slack = config.SlackConfig{Enabled: true, BotToken: "xoxb-1"}

	var names []string
	for _, ch := range buildChannels(cfg, nil, nil, bus.NewEventBus(logger), nil, logger) {
		names = append(names, ch.Name())
	}
	if got := strings.Join(names, ","); got != "http,websocket,telegram,discord" {
		t.Errorf("channels = %s (slack needs an app token)", got)
	}

	cfg.Channels.Slack.AppToken = "xapp-1"
	if n := len(buildChannels(cfg, nil, nil, nil, nil, logger)); n != 5 {
		t.Errorf("with slack: %d channels", n)
	}
}
