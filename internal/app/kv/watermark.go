package kv

import (
	"context"
	"strconv"
	"time"
)

// WatermarkStore persists each named poller's monotone last_created_at
// cursor. A missing watermark means "never run"; callers fall back to a
// default look-back window.
type WatermarkStore struct {
	store Store
}

// NewWatermarkStore wraps an existing Store for watermark keys.
func NewWatermarkStore(store Store) *WatermarkStore {
	return &WatermarkStore{store: store}
}

func watermarkKey(poller string) string { return "watermark:" + poller }

// Get returns the poller's stored watermark and whether one was found.
func (w *WatermarkStore) Get(ctx context.Context, poller string) (int64, bool, error) {
	v, ok, err := w.store.Get(ctx, watermarkKey(poller))
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}

// Advance sets the watermark to newValue only if newValue is greater than
// the currently stored value (or none is stored), preserving the
// monotonicity invariant regardless of caller ordering.
func (w *WatermarkStore) Advance(ctx context.Context, poller string, newValue int64) error {
	cur, ok, err := w.Get(ctx, poller)
	if err != nil {
		return err
	}
	if ok && newValue <= cur {
		return nil
	}
	return w.store.Set(ctx, watermarkKey(poller), strconv.FormatInt(newValue, 10), 0)
}

// SinceOrDefault returns the watermark+1 cursor to poll from, or
// now-lookback if no watermark is stored yet.
func (w *WatermarkStore) SinceOrDefault(ctx context.Context, poller string, lookback time.Duration) (int64, error) {
	wm, ok, err := w.Get(ctx, poller)
	if err != nil {
		return 0, err
	}
	if ok {
		return wm + 1, nil
	}
	return time.Now().Add(-lookback).Unix(), nil
}
