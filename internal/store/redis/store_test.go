package redis

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"

	"tradecore/internal/model"
	"tradecore/internal/store"
)

func mockStore(t *testing.T) (*Store, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	return NewWithClient(db), mock
}

func TestPutTick_KeyLayout(t *testing.T) {
	s, mock := mockStore(t)

	ts := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	vol := int64(10)
	tick := model.Tick{Symbol: "BANKNIFTY", TS: ts, LastPrice: 51230.5, Volume: &vol}
	data := string(tick.JSON())
	iso := ts.Format(time.RFC3339Nano)

	mock.ExpectSet("tick:BANKNIFTY:latest", data, 0).SetVal("OK")
	mock.ExpectSet("price:BANKNIFTY:latest", "51230.5", 0).SetVal("OK")
	mock.ExpectSet("tick:BANKNIFTY:"+iso, data, 4*time.Hour).SetVal("OK")

	if err := s.PutTick(context.Background(), tick); err != nil {
		t.Fatalf("PutTick: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLatestPrice(t *testing.T) {
	s, mock := mockStore(t)
	ctx := context.Background()

	mock.ExpectGet("price:BANKNIFTY:latest").SetVal("51230.5")
	p, err := s.LatestPrice(ctx, "BANKNIFTY")
	if err != nil || p != 51230.5 {
		t.Fatalf("price=%v err=%v", p, err)
	}

	mock.ExpectGet("price:MISSING:latest").RedisNil()
	if _, err := s.LatestPrice(ctx, "MISSING"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing price: %v, want ErrNotFound", err)
	}

	var corrupt []string
	s.OnCorrupt = func(key string) { corrupt = append(corrupt, key) }
	mock.ExpectGet("price:BAD:latest").SetVal("not-a-number")
	if _, err := s.LatestPrice(ctx, "BAD"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("corrupt price: %v, want ErrNotFound", err)
	}
	if len(corrupt) != 1 {
		t.Fatalf("corrupt hook fired %d times, want 1", len(corrupt))
	}
}

func TestPutOHLC_KeyLayoutAndTrim(t *testing.T) {
	s, mock := mockStore(t)

	start := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	bar := model.Bar{
		Symbol: "BANKNIFTY", TF: model.TF1m, StartAt: start,
		Open: 1, High: 2, Low: 1, Close: 2, Volume: 5,
	}
	iso := start.Format(time.RFC3339)

	mock.ExpectSet("ohlc:BANKNIFTY:1m:"+iso, string(bar.JSON()), 0).SetVal("OK")
	mock.ExpectZAdd("ohlc_sorted:BANKNIFTY:1m", &goredis.Z{
		Score: float64(start.Unix()), Member: iso,
	}).SetVal(1)
	mock.ExpectZRemRangeByRank("ohlc_sorted:BANKNIFTY:1m", 0, -5001).SetVal(0)

	if err := s.PutOHLC(context.Background(), bar); err != nil {
		t.Fatalf("PutOHLC: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestOHLC_ReadsMostRecentFirst(t *testing.T) {
	s, mock := mockStore(t)
	ctx := context.Background()

	t0 := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	bar0 := model.Bar{Symbol: "BANKNIFTY", TF: model.TF1m, StartAt: t0, Open: 1, High: 1, Low: 1, Close: 1}
	bar1 := model.Bar{Symbol: "BANKNIFTY", TF: model.TF1m, StartAt: t1, Open: 2, High: 2, Low: 2, Close: 2}
	iso0, iso1 := t0.Format(time.RFC3339), t1.Format(time.RFC3339)

	mock.ExpectZRevRange("ohlc_sorted:BANKNIFTY:1m", 0, 1).SetVal([]string{iso1, iso0})
	mock.ExpectMGet("ohlc:BANKNIFTY:1m:"+iso1, "ohlc:BANKNIFTY:1m:"+iso0).
		SetVal([]interface{}{string(bar1.JSON()), string(bar0.JSON())})

	bars, err := s.OHLC(ctx, "BANKNIFTY", model.TF1m, 2)
	if err != nil {
		t.Fatalf("OHLC: %v", err)
	}
	if len(bars) != 2 || !bars[0].StartAt.Equal(t1) || !bars[1].StartAt.Equal(t0) {
		t.Fatalf("order wrong: %+v", bars)
	}

	mock.ExpectZRevRange("ohlc_sorted:EMPTY:1m", 0, 99).SetVal([]string{})
	if _, err := s.OHLC(ctx, "EMPTY", model.TF1m, 0); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("empty history: %v, want ErrNotFound", err)
	}
}

func TestCreateSignal_RejectsDuplicateID(t *testing.T) {
	s, mock := mockStore(t)
	ctx := context.Background()

	sig := &model.Signal{ID: "s1", Symbol: "BANKNIFTY", Status: model.StatusCreated}

	mock.Regexp().ExpectSetNX("signal:s1", `.*`, 0).SetVal(true)
	mock.ExpectSAdd("signals_by_instrument:BANKNIFTY", "s1").SetVal(1)
	if err := s.CreateSignal(ctx, sig); err != nil {
		t.Fatalf("create: %v", err)
	}

	mock.Regexp().ExpectSetNX("signal:s1", `.*`, 0).SetVal(false)
	if err := s.CreateSignal(ctx, sig); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate id: %v, want ErrConflict", err)
	}
}

func TestCompareAndSetStatus(t *testing.T) {
	s, mock := mockStore(t)
	ctx := context.Background()

	active := &model.Signal{ID: "s1", Symbol: "BANKNIFTY", Status: model.StatusActive}

	mock.ExpectWatch("signal:s1")
	mock.ExpectGet("signal:s1").SetVal(string(active.JSON()))
	mock.ExpectTxPipeline()
	mock.Regexp().ExpectSet("signal:s1", `.*"status":"triggered".*`, 0).SetVal("OK")
	mock.ExpectTxPipelineExec()

	err := s.CompareAndSetStatus(ctx, "s1", model.StatusActive, model.StatusTriggered, nil)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}

	// Status moved on underneath: the transition is refused.
	triggered := &model.Signal{ID: "s1", Symbol: "BANKNIFTY", Status: model.StatusTriggered}
	mock.ExpectWatch("signal:s1")
	mock.ExpectGet("signal:s1").SetVal(string(triggered.JSON()))
	err = s.CompareAndSetStatus(ctx, "s1", model.StatusActive, model.StatusTriggered, nil)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale cas: %v, want ErrConflict", err)
	}
}

func TestPrevIndicator(t *testing.T) {
	s, mock := mockStore(t)
	ctx := context.Background()

	mock.ExpectGet("indicators_prev:BANKNIFTY:rsi_14").SetVal("29.4")
	v, err := s.PrevIndicator(ctx, "BANKNIFTY", "rsi_14")
	if err != nil || v == nil || *v != 29.4 {
		t.Fatalf("prev=%v err=%v", v, err)
	}

	mock.ExpectGet("indicators_prev:BANKNIFTY:sma_20").RedisNil()
	if _, err := s.PrevIndicator(ctx, "BANKNIFTY", "sma_20"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("lapsed prev: %v, want ErrNotFound", err)
	}
}

func TestAccessToken(t *testing.T) {
	s, mock := mockStore(t)
	ctx := context.Background()

	mock.ExpectGet("auth:kite:access_token").RedisNil()
	if _, err := s.AccessToken(ctx); !errors.Is(err, store.ErrAuthRequired) {
		t.Fatalf("missing token: %v, want ErrAuthRequired", err)
	}

	mock.ExpectGet("auth:kite:access_token").SetVal("tok123")
	tok, err := s.AccessToken(ctx)
	if err != nil || tok != "tok123" {
		t.Fatalf("token=%q err=%v", tok, err)
	}
}

// staticClock serves one instant.
type staticClock struct{ t time.Time }

func (c staticClock) Now(context.Context) time.Time { return c.t }

func TestMarkExecuted_StampsInjectedClock(t *testing.T) {
	s, mock := mockStore(t)
	ctx := context.Background()

	// A replayed session must stamp the record with virtual time, not the
	// host clock.
	virtual := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	s.Clock = staticClock{t: virtual}

	executing := &model.Signal{ID: "s1", Symbol: "BANKNIFTY", Status: model.StatusExecuting}
	mock.ExpectWatch("signal:s1")
	mock.ExpectGet("signal:s1").SetVal(string(executing.JSON()))
	mock.ExpectTxPipeline()
	mock.Regexp().ExpectSet("signal:s1", `.*"executed_at":"2026-08-20T10:30:00Z".*`, 0).SetVal("OK")
	mock.ExpectTxPipelineExec()

	if err := s.MarkExecuted(ctx, "s1", "filled@51230.5"); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSignalInstruments_ScansIndexKeys(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectScan(0, "signals_by_instrument:*", 200).SetVal([]string{
		"signals_by_instrument:BANKNIFTY",
		"signals_by_instrument:SOLUSDT",
	}, 0)

	syms, err := s.SignalInstruments(context.Background())
	if err != nil {
		t.Fatalf("signal instruments: %v", err)
	}
	want := []string{"BANKNIFTY", "SOLUSDT"}
	if !reflect.DeepEqual(syms, want) {
		t.Fatalf("instruments=%v, want %v", syms, want)
	}
}

func TestGetJSON_CorruptCountsAsNotFound(t *testing.T) {
	s, mock := mockStore(t)

	var corrupt int
	s.OnCorrupt = func(string) { corrupt++ }

	mock.ExpectGet("tick:BANKNIFTY:latest").SetVal("{truncated")
	if _, err := s.LatestTick(context.Background(), "BANKNIFTY"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("corrupt tick: %v, want ErrNotFound", err)
	}
	if corrupt != 1 {
		t.Fatalf("corrupt hook fired %d times, want 1", corrupt)
	}
}
