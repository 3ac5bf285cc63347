package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tradecore/internal/model"
	"tradecore/internal/store"

	goredis "github.com/go-redis/redis/v8"
)

// casRetries bounds optimistic-transaction retries when concurrent
// evaluators race on the same signal key.
const casRetries = 3

func signalKey(id string) string     { return "signal:" + id }
func signalSetKey(sym string) string { return "signals_by_instrument:" + sym }

func (s *Store) now(ctx context.Context) time.Time {
	if s.Clock != nil {
		return s.Clock.Now(ctx)
	}
	return time.Now()
}

// CreateSignal stores a new signal record and indexes it by instrument.
// Re-registering an existing id is rejected with ErrConflict, never silently
// overwritten.
func (s *Store) CreateSignal(ctx context.Context, sig *model.Signal) error {
	if sig.Status == "" {
		sig.Status = model.StatusCreated
	}
	ok, err := s.rdb.SetNX(ctx, signalKey(sig.ID), string(sig.JSON()), 0).Result()
	if err != nil {
		return fmt.Errorf("create signal %s: %w", sig.ID, store.ErrBackendUnavailable)
	}
	if !ok {
		return fmt.Errorf("signal %s already exists: %w", sig.ID, store.ErrConflict)
	}
	if err := s.rdb.SAdd(ctx, signalSetKey(sig.Symbol), sig.ID).Err(); err != nil {
		return fmt.Errorf("index signal %s: %w", sig.ID, store.ErrBackendUnavailable)
	}
	return nil
}

// GetSignal returns one signal record.
func (s *Store) GetSignal(ctx context.Context, id string) (*model.Signal, error) {
	var sig model.Signal
	if err := s.getJSON(ctx, signalKey(id), &sig); err != nil {
		return nil, err
	}
	return &sig, nil
}

// SignalsByInstrument returns every signal record indexed for symbol.
// Corrupt or vanished records are skipped.
func (s *Store) SignalsByInstrument(ctx context.Context, symbol string) ([]*model.Signal, error) {
	ids, err := s.rdb.SMembers(ctx, signalSetKey(symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", symbol, store.ErrBackendUnavailable)
	}
	out := make([]*model.Signal, 0, len(ids))
	for _, id := range ids {
		sig, err := s.GetSignal(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, sig)
	}
	return out, nil
}

// CompareAndSetStatus transitions a signal from→to atomically under a Redis
// WATCH transaction, applying mut to the record inside the transaction. This
// is the per-signal serialization point: of N concurrent evaluators exactly
// one wins, the rest observe ErrConflict. Terminal states admit no
// transition.
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, from, to model.SignalStatus, mut func(*model.Signal)) error {
	key := signalKey(id)

	txn := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err == goredis.Nil {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, store.ErrBackendUnavailable)
		}

		var sig model.Signal
		if err := json.Unmarshal([]byte(data), &sig); err != nil {
			s.corrupt(key)
			return store.ErrNotFound
		}
		if sig.Status != from {
			return fmt.Errorf("signal %s is %s, want %s: %w", id, sig.Status, from, store.ErrConflict)
		}
		if sig.Status.Terminal() {
			return fmt.Errorf("signal %s is terminal: %w", id, store.ErrConflict)
		}

		sig.Status = to
		if mut != nil {
			mut(&sig)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, string(sig.JSON()), 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.rdb.Watch(ctx, txn, key)
		if err == goredis.TxFailedErr {
			continue // concurrent write, re-read and re-check
		}
		return err
	}
	return fmt.Errorf("signal %s: cas retries exhausted: %w", id, store.ErrConflict)
}

// SignalInstruments returns every instrument that currently has signal
// records, scanned from the index keys. The sweep uses this so signals on
// instruments outside the configured feed set still expire.
func (s *Store) SignalInstruments(ctx context.Context) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, signalSetKey("*"), 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), signalSetKey("")))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan signal instruments: %w", store.ErrBackendUnavailable)
	}
	return out, nil
}

// MarkExecuted moves an executing signal to its terminal executed state.
func (s *Store) MarkExecuted(ctx context.Context, id, result string) error {
	now := s.now(ctx)
	return s.CompareAndSetStatus(ctx, id, model.StatusExecuting, model.StatusExecuted, func(sig *model.Signal) {
		sig.ExecutedAt = &now
		sig.ExecResult = result
	})
}

// MarkFailed moves a triggered or executing signal to failed.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	err := s.CompareAndSetStatus(ctx, id, model.StatusExecuting, model.StatusFailed, func(sig *model.Signal) {
		sig.ExecResult = reason
	})
	if err == nil {
		return nil
	}
	return s.CompareAndSetStatus(ctx, id, model.StatusTriggered, model.StatusFailed, func(sig *model.Signal) {
		sig.ExecResult = reason
	})
}

// CancelSignal cancels an active or created signal.
func (s *Store) CancelSignal(ctx context.Context, id string) error {
	err := s.CompareAndSetStatus(ctx, id, model.StatusActive, model.StatusCancelled, nil)
	if err == nil {
		return nil
	}
	return s.CompareAndSetStatus(ctx, id, model.StatusCreated, model.StatusCancelled, nil)
}

// ActivateSignal registers a created signal for evaluation.
func (s *Store) ActivateSignal(ctx context.Context, id string) error {
	return s.CompareAndSetStatus(ctx, id, model.StatusCreated, model.StatusActive, nil)
}
