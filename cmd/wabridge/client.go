package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"wabridge/internal/config"
	"wabridge/internal/domain"
	"wabridge/internal/journal"

	"github.com/spf13/cobra"
)

const passwordEnv = "WABRIDGE_HTTP_PASSWORD"

// apiClient talks to a running `wabridge serve` over its HTTP channel.
type apiClient struct {
	base string
	user string
	pass string
	http *http.Client
}

func newAPIClient(cfg *config.Config, timeout time.Duration) (*apiClient, error) {
	h := cfg.Channels.HTTP
	if !h.Enabled {
		return nil, fmt.Errorf("the http channel is disabled; enable channels.http or use --direct")
	}
	host := h.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	c := &apiClient{
		base: "http://" + net.JoinHostPort(host, strconv.Itoa(h.Port)),
		http: &http.Client{Timeout: timeout},
	}
	if h.Auth.Enabled {
		c.user = h.Auth.Username
		c.pass = os.Getenv(passwordEnv)
		if c.pass == "" {
			return nil, fmt.Errorf("http auth is enabled; set %s", passwordEnv)
		}
	}
	return c, nil
}

// Send posts one envelope to /api/message.
func (c *apiClient) Send(ctx context.Context, msg domain.Message) (domain.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return domain.Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/message", bytes.NewReader(body))
	if err != nil {
		return domain.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Response{}, fmt.Errorf("is 'wabridge serve' running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Response{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return domain.Response{}, fmt.Errorf("unauthorized: check %s", passwordEnv)
	}
	var out domain.Response
	if err := json.Unmarshal(data, &out); err != nil {
		return domain.Response{}, fmt.Errorf("unexpected response (%s): %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return out, nil
}

func sendCmd() *cobra.Command {
	var (
		autoSend   bool
		pasteImage bool
		imageURL   string
		paste      bool
		direct     bool
	)
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Insert text (and optionally an image) into the open WhatsApp chat",
		Long: `Sends an insertion request to the running daemon. Text comes from the
arguments or, when none are given, from stdin. With --direct the request
runs in this process against the configured browser instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = strings.TrimRight(string(data), "\n")
			}
			msg := domain.Message{
				Type:       domain.TypeInsert,
				Text:       text,
				AutoSend:   autoSend,
				PasteImage: pasteImage,
				ImageURL:   imageURL,
			}
			if paste {
				msg.Type = domain.TypePaste
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if direct {
				return sendDirect(ctx, cfg, msg)
			}
			client, err := newAPIClient(cfg, cfg.Bridge.RequestTimeout()+10*time.Second)
			if err != nil {
				return err
			}
			resp, err := client.Send(ctx, msg)
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
	cmd.Flags().BoolVar(&autoSend, "auto-send", false, "click send afterwards (only honoured when bridge.allowAutoSend is set)")
	cmd.Flags().BoolVar(&pasteImage, "image", false, "attach the image on the clipboard, falling back to --image-url")
	cmd.Flags().StringVar(&imageURL, "image-url", "", "image to fetch when the clipboard has none")
	cmd.Flags().BoolVar(&paste, "paste", false, "go through the attached page listener instead of the dispatcher")
	cmd.Flags().BoolVar(&direct, "direct", false, "run the insertion in this process without a daemon")
	return cmd
}

// sendDirect runs one dispatcher insertion in-process.
func sendDirect(ctx context.Context, cfg *config.Config, msg domain.Message) error {
	if msg.Type != domain.TypeInsert {
		return fmt.Errorf("--direct only supports dispatcher insertions")
	}
	c, err := newCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.browser.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Bridge.RequestTimeout())
	defer cancel()
	report, tabID, err := c.dispatcher.Insert(ctx, msg.Request())
	if err != nil {
		return printResponse(domain.ErrorResponse(err))
	}
	logger.Info("inserted", "tab", tabID, "composer", report.Composer, "attach", report.Attach.Source,
		"attach_error", report.Attach.Err, "sent", report.Sent, "send_warning", report.SendWarning)
	return printResponse(domain.OKResponse())
}

func printResponse(resp domain.Response) error {
	data, _ := json.Marshal(resp)
	fmt.Println(string(data))
	if !resp.OK {
		return fmt.Errorf("request failed: %s", resp.Error)
	}
	return nil
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon has a listener on the WhatsApp tab",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newAPIClient(cfg, 10*time.Second)
			if err != nil {
				return err
			}
			resp, err := client.Send(cmd.Context(), domain.Message{Type: domain.TypePing})
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

func tabsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tabs",
		Short: "List the browser's page tabs and mark the WhatsApp one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := newCore(cfg, logger)
			if err != nil {
				return err
			}
			defer c.browser.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.browser.Ready(ctx); err != nil {
				return err
			}
			tabs, err := c.browser.Tabs(ctx)
			if err != nil {
				return err
			}
			wa := domain.FindTab(tabs, cfg.Browser.WhatsAppURL)

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\tID\tTITLE\tURL")
			for _, t := range tabs {
				mark := ""
				if wa != nil && t.ID == wa.ID {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mark, t.ID, truncate(t.Title, 40), t.URL)
			}
			return tw.Flush()
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open WhatsApp Web in a visible browser to scan the QR code",
		Long:  "Opens a visible Chrome window on the configured profile. Link your phone, then press Ctrl+C; the session is kept for 'wabridge serve'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Browser.RemoteURL != "" {
				return fmt.Errorf("browser.remoteUrl is set; log in from that browser directly")
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := newCore(cfg, logger)
			if err != nil {
				return err
			}
			return c.browser.Login(ctx)
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent requests from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return fmt.Errorf("the journal is disabled (journal.enabled)")
			}
			store, err := journal.Open(cfg.Journal.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			printHistory(os.Stdout, rows)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printHistory(w io.Writer, rows []domain.Delivery) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tCHANNEL\tSOURCE\tRESULT\tIMAGE\tSENT\tMS")
	for _, d := range rows {
		result := "ok"
		if !d.OK {
			result = "error: " + truncate(d.Error, 40)
		}
		image := "-"
		if d.AttachSource != "" && d.AttachSource != domain.AttachNone {
			image = string(d.AttachSource)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\t%d\n",
			d.CreatedAt.Local().Format("2006-01-02 15:04:05"), d.Type, d.Channel, d.Source,
			result, image, d.Sent, d.DurationMs)
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
