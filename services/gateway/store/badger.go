// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianMentor/services/gateway/datatypes"
)

// =============================================================================
// Key Scheme
// =============================================================================
//
//	sub/<userID>                          SubscriptionRecord (no TTL)
//	turn/<conversationID>/<nano20>/<id>   ConversationTurn   (TTL ~1 month)
//	usage/<nano20>/<entryID>              UsageEntry         (TTL 90 days)
//
// Turn keys embed a zero-padded creation timestamp so a reverse prefix
// scan yields most-recent-first ordering without a secondary index.

const (
	subPrefix   = "sub/"
	turnPrefix  = "turn/"
	usagePrefix = "usage/"

	// usageEntryTTL bounds retention of the analytics usage log.
	usageEntryTTL = 90 * 24 * time.Hour

	// incrementRetries caps retries of the usage-increment transaction
	// when Badger reports a serialization conflict. Every conflict round
	// commits at least one competing transaction, so the cap bounds the
	// tolerated burst of concurrent increments on one hot user.
	incrementRetries = 16
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds configuration for the Badger-backed store.
type Config struct {
	// Path is the directory for database files. Required unless InMemory.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. Nil disables it.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable synchronous writes.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests: in-memory, no sync.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// BadgerStore
// =============================================================================

// BadgerStore implements Store on BadgerDB.
//
// All mutation runs inside Badger transactions, so the atomicity
// guarantees of Store (notably IncrementUsage) hold without any
// caller-side locking.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// Open creates and opens a Badger-backed store with the given configuration.
//
// Creates the database directory if it does not exist. The returned store
// must be closed with Close() when done.
func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("store: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("store: create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Subscriptions
// =============================================================================

func subKey(userID string) []byte {
	return []byte(subPrefix + userID)
}

// GetSubscription returns the subscription record for a user.
func (s *BadgerStore) GetSubscription(ctx context.Context, userID string) (*datatypes.SubscriptionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec datatypes.SubscriptionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(subKey(userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("subscription for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscription: %w", err)
	}
	return &rec, nil
}

// PutSubscription writes a full subscription record.
func (s *BadgerStore) PutSubscription(ctx context.Context, rec *datatypes.SubscriptionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal subscription: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(subKey(rec.UserID), val)
	})
	if err != nil {
		return fmt.Errorf("store: put subscription: %w", err)
	}
	return nil
}

// IncrementUsage advances the consumption counter by one, atomically,
// applying the month-rollover reset when the billing period has turned
// over. Reset and increment happen in a single transaction so the counter
// never passes through zero visibly.
func (s *BadgerStore) IncrementUsage(ctx context.Context, userID string, period string) (*datatypes.SubscriptionRecord, error) {
	var out *datatypes.SubscriptionRecord

	// Badger uses serializable snapshot isolation; a concurrent increment
	// on the same key surfaces as ErrConflict and is retried here so no
	// increment is ever lost.
	for attempt := 0; attempt < incrementRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(subKey(userID))
			if err != nil {
				return err
			}
			var rec datatypes.SubscriptionRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}

			if rec.Quota.LastResetPeriod != period {
				// Rollover: reset-and-increment-to-1 in one write.
				rec.Quota.CurrentUsage = 1
				rec.Quota.LastResetPeriod = period
				if start, perr := time.Parse("2006-01", period); perr == nil {
					rec.Quota.NextResetDate = datatypes.NextPeriodStart(start)
				}
			} else {
				rec.Quota.CurrentUsage++
			}

			val, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			if err := txn.Set(subKey(userID), val); err != nil {
				return err
			}
			out = &rec
			return nil
		})

		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("subscription for %s: %w", userID, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("store: increment usage: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("store: increment usage for %s: conflict retries exhausted", userID)
}

// =============================================================================
// Conversation Turns
// =============================================================================

func turnKey(conversationID string, createdAt time.Time, turnID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", turnPrefix, conversationID, createdAt.UTC().UnixNano(), turnID))
}

// AppendTurn persists one completed conversation turn with a TTL derived
// from turn.ExpiresAt.
func (s *BadgerStore) AppendTurn(ctx context.Context, turn *datatypes.ConversationTurn) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	val, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("store: marshal turn: %w", err)
	}

	ttl := time.Until(turn.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("store: turn %s already expired", turn.TurnID)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(turnKey(turn.ConversationID, turn.CreatedAt, turn.TurnID), val).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("store: append turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit turns of a conversation, most recent
// first, via a reverse prefix scan over the timestamp-ordered keys.
func (s *BadgerStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]datatypes.ConversationTurn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	prefix := []byte(turnPrefix + conversationID + "/")
	turns := make([]datatypes.ConversationTurn, 0, limit)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks past the last key of the prefix range.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(turns) < limit; it.Next() {
			var turn datatypes.ConversationTurn
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &turn)
			}); err != nil {
				return err
			}
			turns = append(turns, turn)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: recent turns: %w", err)
	}
	return turns, nil
}

// =============================================================================
// Usage Log
// =============================================================================

// AppendUsageEntry persists one usage-log record with the analytics TTL.
func (s *BadgerStore) AppendUsageEntry(ctx context.Context, entry *datatypes.UsageEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: marshal usage entry: %w", err)
	}
	key := []byte(fmt.Sprintf("%s%020d/%s", usagePrefix, entry.RecordedAt.UTC().UnixNano(), entry.EntryID))

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, val).WithTTL(usageEntryTTL))
	})
	if err != nil {
		return fmt.Errorf("store: append usage entry: %w", err)
	}
	return nil
}
