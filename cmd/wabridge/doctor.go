package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"wabridge/internal/browser"
	"wabridge/internal/config"
	"wabridge/internal/domain"
	"wabridge/internal/inject"
	"wabridge/internal/journal"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// checkResults counts doctor outcomes.
type checkResults struct {
	passed, warned, failed int
}

func (r *checkResults) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *checkResults) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *checkResults) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func doctorCmd() *cobra.Command {
	var skipBrowser bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wabridge installation",
		Long: `Verifies the configuration, journal database, selector profile, channel
ports and the browser connection. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wabridge doctor v%s\n\n", version)
			var r checkResults

			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using defaults (run 'wabridge init')", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			cfg, err := loadConfig()
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			if cfg.Bridge.AllowAutoSend {
				r.warn("Auto-send", "enabled: requests with autoSend will click send")
			} else {
				r.pass("Auto-send", "disabled")
			}

			if _, err := inject.LoadProfile(cfg.Bridge.ProfilePath); err != nil {
				r.fail("Selector profile", err.Error())
			} else if cfg.Bridge.ProfilePath == "" {
				r.pass("Selector profile", "built-in")
			} else {
				r.pass("Selector profile", cfg.Bridge.ProfilePath)
			}

			if cfg.Journal.Enabled {
				if err := checkDatabase(cfg.Journal.DBPath); err != nil {
					r.fail("Journal", err.Error())
				} else {
					r.pass("Journal", cfg.Journal.DBPath)
				}
			}

			checkPorts(&r, cfg)

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			if !skipBrowser {
				checkBrowser(cmd.Context(), &r, cfg)
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipBrowser, "skip-browser", false, "do not connect to Chrome")
	return cmd
}

func checkPorts(r *checkResults, cfg *config.Config) {
	if h := cfg.Channels.HTTP; h.Enabled {
		if err := checkPort(h.Host, h.Port); err != nil {
			r.warn("HTTP port", fmt.Sprintf("%d may be in use (daemon running?): %v", h.Port, err))
		} else {
			r.pass("HTTP port", fmt.Sprintf("%s:%d available", h.Host, h.Port))
		}
	}
	if w := cfg.Channels.WebSocket; w.Enabled {
		if err := checkPort(w.Host, w.Port); err != nil {
			r.warn("WebSocket port", fmt.Sprintf("%d may be in use: %v", w.Port, err))
		} else {
			r.pass("WebSocket port", fmt.Sprintf("%s:%d available", w.Host, w.Port))
		}
	}
	if t := cfg.Channels.Telegram; t.Enabled && len(t.AllowFrom) == 0 {
		r.warn("Telegram", "no allowFrom list: any Telegram user can insert text")
	}
	if d := cfg.Channels.Discord; d.Enabled && len(d.AllowFrom) == 0 {
		r.warn("Discord", "no allowFrom list: any Discord user who can reach the bot can insert text")
	}
	if s := cfg.Channels.Slack; s.Enabled && len(s.AllowFrom) == 0 {
		r.warn("Slack", "no allowFrom list: anyone in the workspace can insert text")
	}
}

// checkBrowser only inspects an already reachable browser; it never
// launches one.
func checkBrowser(ctx context.Context, r *checkResults, cfg *config.Config) {
	if cfg.Browser.RemoteURL == "" {
		if _, err := os.Stat(cfg.Browser.ProfileDir); err != nil {
			r.warn("Chrome profile", "not found, run 'wabridge login' first")
		} else {
			r.pass("Chrome profile", cfg.Browser.ProfileDir)
		}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	b := browser.NewBridge(browser.BridgeConfig{
		RemoteURL:   cfg.Browser.RemoteURL,
		WhatsAppURL: cfg.Browser.WhatsAppURL,
		Logger:      logger,
	})
	defer b.Close()

	if err := b.Ready(ctx); err != nil {
		r.fail("Chrome", fmt.Sprintf("%s: %v", cfg.Browser.RemoteURL, err))
		return
	}
	r.pass("Chrome", cfg.Browser.RemoteURL)

	tabs, err := b.Tabs(ctx)
	if err != nil {
		r.fail("Tabs", err.Error())
		return
	}
	if tab := domain.FindTab(tabs, cfg.Browser.WhatsAppURL); tab != nil {
		r.pass("WhatsApp tab", tab.ID)
	} else {
		r.warn("WhatsApp tab", "none open; open "+cfg.Browser.WhatsAppURL)
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", journal.DSN(dbPath))
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
