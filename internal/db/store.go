// SPDX-License-Identifier: MIT

// Package db provides SQLite persistence for channels, ads, pods and slates.
//
// This is the thin admin-plane glue: the request path only reaches it
// through the channel-config cache and the ad-decision engine.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/stitchd/stitchd/internal/channel"
)

// Store wraps the admin database.
type Store struct {
	db *sql.DB
}

// Open initializes the SQLite store and runs migrations. WAL mode and
// busy_timeout are applied to every pooled connection via the DSN.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		org_slug TEXT NOT NULL,
		slug TEXT NOT NULL,
		origin_url TEXT NOT NULL,
		settings TEXT NOT NULL DEFAULT '{}',
		UNIQUE (org_slug, slug)
	);

	CREATE TABLE IF NOT EXISTS ads (
		id TEXT PRIMARY KEY,
		duration_s REAL NOT NULL,
		variants TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS pods (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		priority INTEGER NOT NULL DEFAULT 0,
		ad_ids TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_pods_channel ON pods(channel_id, priority);

	CREATE TABLE IF NOT EXISTS slates (
		id TEXT PRIMARY KEY,
		org_slug TEXT NOT NULL,
		duration_s REAL NOT NULL,
		variants TEXT NOT NULL DEFAULT '{}',
		is_default INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_slates_org ON slates(org_slug, is_default);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ad is a stored creative with its transcoded variant playlists.
type Ad struct {
	ID       string
	Duration float64
	Variants map[int]string
}

// Pod is an ordered list of ads bound to a channel.
type Pod struct {
	ID        string
	ChannelID string
	Priority  int
	AdIDs     []string
}

// Slate is filler content, per org, optionally the org default.
type Slate struct {
	ID       string
	OrgSlug  string
	Duration float64
	Variants map[int]string
	Default  bool
}

func scanChannel(row *sql.Row) (*channel.Channel, error) {
	var (
		id, org, slug, origin, settings string
	)
	if err := row.Scan(&id, &org, &slug, &origin, &settings); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, channel.ErrNotFound
		}
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	var ch channel.Channel
	if err := json.Unmarshal([]byte(settings), &ch); err != nil {
		return nil, fmt.Errorf("decode channel settings: %w", err)
	}
	// Columns are authoritative over the settings document.
	ch.ID = id
	ch.OrgSlug = org
	ch.Slug = slug
	ch.OriginURL = origin
	return &ch, nil
}

// ChannelBySlug implements channel.Loader.
func (s *Store) ChannelBySlug(ctx context.Context, org, slug string) (*channel.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_slug, slug, origin_url, settings FROM channels WHERE org_slug = ? AND slug = ?`, org, slug)
	return scanChannel(row)
}

// ChannelByID implements channel.Loader.
func (s *Store) ChannelByID(ctx context.Context, id string) (*channel.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_slug, slug, origin_url, settings FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

// Channels returns every configured channel, for pollers and the admin CLI.
func (s *Store) Channels(ctx context.Context) ([]*channel.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_slug, slug, origin_url, settings FROM channels ORDER BY org_slug, slug`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*channel.Channel
	for rows.Next() {
		var (
			id, org, slug, origin, settings string
		)
		if err := rows.Scan(&id, &org, &slug, &origin, &settings); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		var ch channel.Channel
		if err := json.Unmarshal([]byte(settings), &ch); err != nil {
			return nil, fmt.Errorf("decode channel settings: %w", err)
		}
		ch.ID = id
		ch.OrgSlug = org
		ch.Slug = slug
		ch.OriginURL = origin
		out = append(out, &ch)
	}
	return out, rows.Err()
}

// UpsertChannel writes a channel record. Callers must invalidate the config
// cache afterwards.
func (s *Store) UpsertChannel(ctx context.Context, ch *channel.Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	settings, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encode channel settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channels (id, org_slug, slug, origin_url, settings)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			org_slug = excluded.org_slug,
			slug = excluded.slug,
			origin_url = excluded.origin_url,
			settings = excluded.settings`,
		ch.ID, ch.OrgSlug, ch.Slug, ch.OriginURL, string(settings))
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

// AdByID resolves a stored ad.
func (s *Store) AdByID(ctx context.Context, id string) (*Ad, error) {
	var (
		ad       Ad
		variants string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, duration_s, variants FROM ads WHERE id = ?`, id).
		Scan(&ad.ID, &ad.Duration, &variants)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, channel.ErrNotFound
		}
		return nil, fmt.Errorf("query ad: %w", err)
	}
	if err := json.Unmarshal([]byte(variants), &ad.Variants); err != nil {
		return nil, fmt.Errorf("decode ad variants: %w", err)
	}
	return &ad, nil
}

// UpsertAd writes an ad record.
func (s *Store) UpsertAd(ctx context.Context, ad *Ad) error {
	variants, err := json.Marshal(ad.Variants)
	if err != nil {
		return fmt.Errorf("encode ad variants: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ads (id, duration_s, variants) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET duration_s = excluded.duration_s, variants = excluded.variants`,
		ad.ID, ad.Duration, string(variants))
	if err != nil {
		return fmt.Errorf("upsert ad: %w", err)
	}
	return nil
}

// PodsForChannel returns the channel's pods in priority order.
func (s *Store) PodsForChannel(ctx context.Context, channelID string) ([]Pod, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, priority, ad_ids FROM pods WHERE channel_id = ? ORDER BY priority ASC, id ASC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query pods: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pods []Pod
	for rows.Next() {
		var (
			p     Pod
			adIDs string
		)
		if err := rows.Scan(&p.ID, &p.ChannelID, &p.Priority, &adIDs); err != nil {
			return nil, fmt.Errorf("scan pod: %w", err)
		}
		if err := json.Unmarshal([]byte(adIDs), &p.AdIDs); err != nil {
			return nil, fmt.Errorf("decode pod ad ids: %w", err)
		}
		pods = append(pods, p)
	}
	return pods, rows.Err()
}

// UpsertPod writes a pod record.
func (s *Store) UpsertPod(ctx context.Context, p *Pod) error {
	adIDs, err := json.Marshal(p.AdIDs)
	if err != nil {
		return fmt.Errorf("encode pod ad ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pods (id, channel_id, priority, ad_ids) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET channel_id = excluded.channel_id, priority = excluded.priority, ad_ids = excluded.ad_ids`,
		p.ID, p.ChannelID, p.Priority, string(adIDs))
	if err != nil {
		return fmt.Errorf("upsert pod: %w", err)
	}
	return nil
}

// SlateByID resolves a specific slate.
func (s *Store) SlateByID(ctx context.Context, id string) (*Slate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_slug, duration_s, variants, is_default FROM slates WHERE id = ?`, id)
	return scanSlate(row)
}

// DefaultSlate resolves the org-wide fallback slate, if any.
func (s *Store) DefaultSlate(ctx context.Context, org string) (*Slate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_slug, duration_s, variants, is_default FROM slates WHERE org_slug = ? AND is_default = 1 LIMIT 1`, org)
	return scanSlate(row)
}

func scanSlate(row *sql.Row) (*Slate, error) {
	var (
		sl       Slate
		variants string
	)
	if err := row.Scan(&sl.ID, &sl.OrgSlug, &sl.Duration, &variants, &sl.Default); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, channel.ErrNotFound
		}
		return nil, fmt.Errorf("scan slate: %w", err)
	}
	if err := json.Unmarshal([]byte(variants), &sl.Variants); err != nil {
		return nil, fmt.Errorf("decode slate variants: %w", err)
	}
	return &sl, nil
}

// UpsertSlate writes a slate record.
func (s *Store) UpsertSlate(ctx context.Context, sl *Slate) error {
	variants, err := json.Marshal(sl.Variants)
	if err != nil {
		return fmt.Errorf("encode slate variants: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO slates (id, org_slug, duration_s, variants, is_default) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET org_slug = excluded.org_slug, duration_s = excluded.duration_s, variants = excluded.variants, is_default = excluded.is_default`,
		sl.ID, sl.OrgSlug, sl.Duration, string(variants), sl.Default)
	if err != nil {
		return fmt.Errorf("upsert slate: %w", err)
	}
	return nil
}
