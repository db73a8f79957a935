// Package journal keeps an SQLite record of every request the bridge
// handled, for `wabridge history` and the HTTP history endpoint.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
)

const defaultRecentLimit = 50

// SQLiteJournal implements domain.Journal.
type SQLiteJournal struct {
	db     *sql.DB
	logger *slog.Logger
}

// DSN is the modernc.org/sqlite data source for dbPath: WAL journal and a
// five second busy timeout, applied on every new connection.
func DSN(dbPath string) string {
	return dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func Open(dbPath string, logger *slog.Logger) (*SQLiteJournal, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteJournal{db: db, logger: logger}, nil
}

func (j *SQLiteJournal) Record(ctx context.Context, d domain.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO deliveries
		 (id, type, channel, source, tab_id, text_len, auto_send, paste_image, image_url, ok, error,
		  composer, attach_source, attach_indicated, sent, send_warning, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Type, d.Channel, d.Source, d.TabID, d.TextLen, d.AutoSend, d.PasteImage, d.ImageURL, d.OK, d.Error,
		string(d.Composer), string(d.AttachSource), d.AttachIndicated, d.Sent, d.SendWarning, d.DurationMs,
		d.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// Recent returns up to limit deliveries, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, type, channel, source, tab_id, text_len, auto_send, paste_image, image_url, ok, error,
		        composer, attach_source, attach_indicated, sent, send_warning, duration_ms, created_at
		 FROM deliveries ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		var composer, attachSrc string
		if err := rows.Scan(&d.ID, &d.Type, &d.Channel, &d.Source, &d.TabID, &d.TextLen, &d.AutoSend,
			&d.PasteImage, &d.ImageURL, &d.OK, &d.Error, &composer, &attachSrc, &d.AttachIndicated,
			&d.Sent, &d.SendWarning, &d.DurationMs, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Composer = domain.ComposerMatch(composer)
		d.AttachSource = domain.AttachSource(attachSrc)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Prune deletes deliveries older than retentionDays and returns how many.
func (j *SQLiteJournal) Prune(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UTC()
	res, err := j.db.ExecContext(ctx, `DELETE FROM deliveries WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		j.logger.Info("journal pruned", "deleted", n, "retention_days", retentionDays)
	}
	return n, nil
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Subscribe records every insert outcome published on events. It returns
// a function that unsubscribes.
func (j *SQLiteJournal) Subscribe(events *bus.EventBus) func() {
	handler := func(e bus.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.Record(ctx, DeliveryFromEvent(e)); err != nil {
			j.logger.Warn("journal write failed", "id", e.Message.ID, "err", err)
		}
	}
	done := events.On(bus.EventInsertCompleted, handler)
	failed := events.On(bus.EventInsertFailed, handler)
	return func() {
		events.Off(bus.EventInsertCompleted, done)
		events.Off(bus.EventInsertFailed, failed)
	}
}

// DeliveryFromEvent flattens an insert outcome into a journal row.
func DeliveryFromEvent(e bus.Event) domain.Delivery {
	if e.TextLen == 0 {
		e.TextLen = utf8.RuneCountInString(e.Message.Text)
	}
	return domain.Delivery{
		ID:              e.Message.ID,
		Type:            e.Message.Type,
		Channel:         e.Message.Channel,
		Source:          e.Source,
		TabID:           e.TabID,
		TextLen:         e.TextLen,
		AutoSend:        e.Message.AutoSend,
		PasteImage:      e.Message.PasteImage,
		ImageURL:        e.Message.ImageURL,
		OK:              e.Err == "",
		Error:           e.Err,
		Composer:        e.Report.Composer,
		AttachSource:    e.Report.Attach.Source,
		AttachIndicated: e.Report.Attach.Indicated,
		Sent:            e.Report.Sent,
		SendWarning:     e.Report.SendWarning,
		DurationMs:      e.Duration.Milliseconds(),
		CreatedAt:       e.Timestamp,
	}
}
