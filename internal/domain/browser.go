package domain

import (
	"context"
	"strings"
)

// Tab is a browser page target.
type Tab struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

// Browser is the host capability the dispatcher needs: readiness, tab
// lookup and main-world attachment.
type Browser interface {
	Ready(ctx context.Context) error
	Tabs(ctx context.Context) ([]Tab, error)
	ActiveTab(ctx context.Context) (*Tab, error)
	Attach(ctx context.Context, tabID string) (Document, error)
	// Detach drops a cached attachment, e.g. after the tab went away.
	Detach(tabID string)
}

// FindTab returns the first tab whose URL starts with prefix and that has
// an id, or nil.
func FindTab(tabs []Tab, prefix string) *Tab {
	for i := range tabs {
		if tabs[i].ID != "" && strings.HasPrefix(tabs[i].URL, prefix) {
			return &tabs[i]
		}
	}
	return nil
}
