package pollers

import (
	"context"
	"testing"

	"github.com/meshrelay/dvmcore/internal/app/kv"
)

func newTestWM() *kv.WatermarkStore {
	return kv.NewWatermarkStore(kv.NewMemoryStore())
}

func TestPoller_AdvancesWatermarkOnlyWhenProcessed(t *testing.T) {
	wm := newTestWM()
	calls := 0
	p := New("probe", 0, 0, wm, func(ctx context.Context, since int64) (int64, int, error) {
		calls++
		return since + 100, 0, nil
	}, nil)

	p.RunOnce(context.Background())

	if _, ok, _ := wm.Get(context.Background(), "probe"); ok {
		t.Fatal("watermark should remain unset when processed == 0")
	}
	if calls != 1 {
		t.Fatalf("expected reconcile to run once, ran %d times", calls)
	}
}

func TestPoller_LeavesWatermarkOnError(t *testing.T) {
	wm := newTestWM()
	p := New("probe", 0, 0, wm, func(ctx context.Context, since int64) (int64, int, error) {
		return since + 100, 5, errProbe
	}, nil)

	p.RunOnce(context.Background())

	if _, ok, _ := wm.Get(context.Background(), "probe"); ok {
		t.Fatal("watermark must not advance when reconcile returns an error, even with processed > 0")
	}
}

func TestPoller_AdvancesWatermarkOnSuccess(t *testing.T) {
	wm := newTestWM()
	p := New("probe", 0, 0, wm, func(ctx context.Context, since int64) (int64, int, error) {
		return 42, 3, nil
	}, nil)

	p.RunOnce(context.Background())

	got, ok, err := wm.Get(context.Background(), "probe")
	if err != nil || !ok {
		t.Fatalf("expected watermark to be set, ok=%v err=%v", ok, err)
	}
	if got != 42 {
		t.Fatalf("expected watermark 42, got %d", got)
	}
}

func TestPoller_FirstTickUsesLookbackDefault(t *testing.T) {
	wm := newTestWM()
	var seenSince int64 = -1
	p := New("probe", 0, DefaultLookback, wm, func(ctx context.Context, since int64) (int64, int, error) {
		seenSince = since
		return since, 0, nil
	}, nil)

	p.RunOnce(context.Background())

	if seenSince == -1 {
		t.Fatal("reconcile never invoked")
	}
	// A missing watermark should fall back to roughly now-lookback, i.e.
	// strictly in the past but not the zero value.
	if seenSince <= 0 {
		t.Fatalf("expected a positive unix timestamp lookback default, got %d", seenSince)
	}
}

var errProbe = probeErr{}

type probeErr struct{}

func (probeErr) Error() string { return "probe reconcile failure" }
