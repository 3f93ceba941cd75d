// Package subscriptions loads the subscription seed file into the database.
// The file stands in for the account service that owns subscriptions.
package subscriptions

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"strategy-engine/internal/engineerr"
	"strategy-engine/internal/market"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
)

// Entry is one subscription in the seed file.
type Entry struct {
	ID            int64          `yaml:"id"`
	UserID        string         `yaml:"user_id"`
	Strategy      string         `yaml:"strategy"`
	CredentialRef string         `yaml:"credential_ref"`
	Exchange      string         `yaml:"exchange"`
	Symbol        string         `yaml:"symbol"`
	Timeframe     string         `yaml:"timeframe"`
	Parameters    map[string]any `yaml:"parameters"`
	OrderSize     float64        `yaml:"order_size"`
	Capital       float64        `yaml:"capital"`
	IsActive      *bool          `yaml:"is_active"`
	ExpiresAt     *time.Time     `yaml:"expires_at"`
}

// File represents the top-level YAML structure.
type File struct {
	Subscriptions []Entry `yaml:"subscriptions"`
}

// LoadFile reads subscriptions from a YAML file.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes seed YAML; unknown keys are rejected and an empty document
// yields no entries.
func Parse(data []byte) ([]Entry, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, engineerr.Configuration("subscriptions.Parse", err)
	}
	return file.Subscriptions, nil
}

// Validate checks every entry against the strategy registry and returns all
// problems at once.
func Validate(entries []Entry, registry *strategy.Registry) error {
	var errs error
	for i, e := range entries {
		if e.ID < 0 {
			errs = multierr.Append(errs, fmt.Errorf("entry %d: negative id", i))
		}
		if strings.TrimSpace(e.Symbol) == "" {
			errs = multierr.Append(errs, fmt.Errorf("entry %d: symbol is required", i))
		}
		if e.OrderSize < 0 || e.Capital < 0 {
			errs = multierr.Append(errs, fmt.Errorf("entry %d: order_size and capital must not be negative", i))
		}
		if _, err := market.ParseTimeframe(orDefault(e.Timeframe, "1h")); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("entry %d: %w", i, err))
		}
		if _, err := registry.New(e.Strategy, e.Parameters); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("entry %d: %w", i, err))
		}
	}
	if errs != nil {
		return engineerr.Configuration("subscriptions.Validate", errs)
	}
	return nil
}

// Sync validates entries and upserts them. Entries without an id are inserted
// each time, so seed files should carry ids.
func Sync(ctx context.Context, database *db.Database, registry *strategy.Registry, entries []Entry, logger *zap.Logger) ([]int64, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := Validate(entries, registry); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(entries))
	for i, e := range entries {
		sub, err := e.toSubscription()
		if err != nil {
			return ids, fmt.Errorf("entry %d: %w", i, err)
		}
		id, err := database.UpsertSubscription(ctx, sub)
		if err != nil {
			return ids, fmt.Errorf("entry %d: %w", i, err)
		}
		logger.Info("subscription seeded",
			zap.Int64("subscription_id", id),
			zap.String("strategy", sub.Strategy),
			zap.String("symbol", sub.Symbol),
			zap.Bool("active", sub.IsActive),
		)
		ids = append(ids, id)
	}
	return ids, nil
}

func (e Entry) toSubscription() (db.Subscription, error) {
	params := e.Parameters
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return db.Subscription{}, fmt.Errorf("marshal parameters: %w", err)
	}
	sub := db.Subscription{
		ID:            e.ID,
		UserID:        e.UserID,
		Strategy:      e.Strategy,
		CredentialRef: orDefault(e.CredentialRef, "paper"),
		Exchange:      orDefault(e.Exchange, "binance_spot"),
		Symbol:        strings.ToUpper(strings.TrimSpace(e.Symbol)),
		Timeframe:     orDefault(e.Timeframe, "1h"),
		Parameters:    string(raw),
		OrderSize:     e.OrderSize,
		Capital:       e.Capital,
		IsActive:      e.IsActive == nil || *e.IsActive,
	}
	if e.ExpiresAt != nil {
		sub.ExpiresAt = sql.NullTime{Time: e.ExpiresAt.UTC(), Valid: true}
	}
	return sub, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
