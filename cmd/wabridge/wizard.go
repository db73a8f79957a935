package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"wabridge/internal/channel"
	"wabridge/internal/config"

	"github.com/spf13/cobra"
)

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: browser, auto-send policy, channels",
		Long:  "Walks through how wabridge reaches Chrome, whether auto-send is allowed and which channels to enable, then writes the config to the --config path or the default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				cfg = config.Defaults()
			}
			if err := runWizard(os.Stdin, os.Stdout, cfg); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("\nConfig saved to %s\n", cfgPath)
			fmt.Println("Next: 'wabridge login' to link WhatsApp Web, then 'wabridge serve'.")
			return nil
		},
	}
}

// prompter reads one answer per line; an empty line keeps the default.
type prompter struct {
	r   *bufio.Reader
	out io.Writer
}

func (p *prompter) ask(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	line, err := p.r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	if s := strings.TrimSpace(line); s != "" {
		return s, nil
	}
	return def, nil
}

func (p *prompter) yesNo(question string, def bool) (bool, error) {
	d := "n"
	if def {
		d = "y"
	}
	ans, err := p.ask(question+" (y/n)", d)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToLower(ans), "y"), nil
}

// runWizard edits cfg from answers read on in.
func runWizard(in io.Reader, out io.Writer, cfg *config.Config) error {
	p := &prompter{r: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "\n--- Step 1: Browser ---")
	fmt.Fprintln(out, "Leave the DevTools URL empty to let wabridge launch its own Chrome,")
	fmt.Fprintln(out, "or give the address of a Chrome started with --remote-debugging-port.")
	remote, err := p.ask("DevTools URL", cfg.Browser.RemoteURL)
	if err != nil {
		return err
	}
	cfg.Browser.RemoteURL = remote
	if remote == "" {
		dir, err := p.ask("Chrome profile directory", cfg.Browser.ProfileDir)
		if err != nil {
			return err
		}
		cfg.Browser.ProfileDir = config.ExpandPath(dir)
	}

	fmt.Fprintln(out, "\n--- Step 2: Auto-send ---")
	fmt.Fprintln(out, "When allowed, requests that ask for autoSend click WhatsApp's send button.")
	if cfg.Bridge.AllowAutoSend, err = p.yesNo("Allow auto-send", cfg.Bridge.AllowAutoSend); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Step 3: Channels ---")
	if err := wizardHTTP(p, cfg); err != nil {
		return err
	}
	if err := wizardWebSocket(p, cfg); err != nil {
		return err
	}
	return wizardTelegram(p, cfg)
}

func wizardHTTP(p *prompter, cfg *config.Config) error {
	h := &cfg.Channels.HTTP
	var err error
	if h.Enabled, err = p.yesNo("Enable the HTTP API", h.Enabled); err != nil || !h.Enabled {
		return err
	}
	port, err := p.ask("HTTP port", strconv.Itoa(h.Port))
	if err != nil {
		return err
	}
	if h.Port, err = strconv.Atoi(port); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	if h.Auth.Enabled, err = p.yesNo("Require a password", h.Auth.Enabled); err != nil || !h.Auth.Enabled {
		return err
	}
	if h.Auth.Username, err = p.ask("Username", h.Auth.Username); err != nil {
		return err
	}
	pass, err := p.ask("Password (stored as SHA-256)", "")
	if err != nil {
		return err
	}
	if pass != "" {
		h.Auth.PasswordHash = channel.HashPassword(pass)
	}
	return nil
}

func wizardWebSocket(p *prompter, cfg *config.Config) error {
	w := &cfg.Channels.WebSocket
	var err error
	if w.Enabled, err = p.yesNo("Enable the WebSocket endpoint", w.Enabled); err != nil || !w.Enabled {
		return err
	}
	origins, err := p.ask("Allowed origins, comma separated (e.g. chrome-extension://<id>)", strings.Join(w.AllowedOrigins, ","))
	if err != nil {
		return err
	}
	w.AllowedOrigins = splitList(origins)
	return nil
}

func wizardTelegram(p *prompter, cfg *config.Config) error {
	t := &cfg.Channels.Telegram
	var err error
	if t.Enabled, err = p.yesNo("Enable the Telegram bot", t.Enabled); err != nil || !t.Enabled {
		return err
	}
	if t.Token, err = p.ask("Bot token from @BotFather (or ${TELEGRAM_BOT_TOKEN})", t.Token); err != nil {
		return err
	}
	ids, err := p.ask("Allowed Telegram user IDs, comma separated", strings.Join(t.AllowFrom, ","))
	if err != nil {
		return err
	}
	t.AllowFrom = splitList(ids)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
