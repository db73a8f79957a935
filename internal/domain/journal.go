package domain

import (
	"context"
	"time"
)

// Delivery is one journal row.
type Delivery struct {
	ID              string        `json:"id"`
	Type            string        `json:"type"`
	Channel         string        `json:"channel"`
	Source          string        `json:"source"` // dispatcher | listener
	TabID           string        `json:"tabId,omitempty"`
	TextLen         int           `json:"textLen"`
	AutoSend        bool          `json:"autoSend"`
	PasteImage      bool          `json:"pasteImage"`
	ImageURL        string        `json:"imageUrl,omitempty"`
	OK              bool          `json:"ok"`
	Error           string        `json:"error,omitempty"`
	Composer        ComposerMatch `json:"composer,omitempty"`
	AttachSource    AttachSource  `json:"attachSource,omitempty"`
	AttachIndicated bool          `json:"attachIndicated"`
	Sent            bool          `json:"sent"`
	SendWarning     string        `json:"sendWarning,omitempty"`
	DurationMs      int64         `json:"durationMs"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// Journal persists deliveries.
type Journal interface {
	Record(ctx context.Context, d Delivery) error
	Recent(ctx context.Context, limit int) ([]Delivery, error)
}
