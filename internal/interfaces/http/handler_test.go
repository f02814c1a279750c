package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/application/service/preview"
	"fxbridge/internal/application/service/status"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
)

type staticStore struct {
	bars map[string][]marketdata.Bar // key symbol|tf
}

func (f *staticStore) key(symbol, tf string) string { return symbol + "|" + tf }

func (f *staticStore) UpsertFinal1m(_ context.Context, _ string, bars []marketdata.Bar) (int, error) {
	return len(bars), nil
}

func (f *staticStore) UpsertFinalHTF(_ context.Context, _, _ string, bars []marketdata.Bar) (int, error) {
	return len(bars), nil
}

func (f *staticStore) Range(_ context.Context, symbol, tf string, _, _ int64, _ int) ([]marketdata.Bar, error) {
	return f.bars[f.key(symbol, tf)], nil
}

func (f *staticStore) Tail(_ context.Context, symbol, tf string, n int) ([]marketdata.Bar, error) {
	bars := f.bars[f.key(symbol, tf)]
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

func (f *staticStore) LastCompleteCloseMS(_ context.Context, _, _ string) (int64, error) {
	return 0, nil
}

func (f *staticStore) Coverage(_ context.Context, _, _ string) (marketdata.CoverageStats, error) {
	return marketdata.CoverageStats{Bars: 42, CoverageDays: 1.5}, nil
}

func (f *staticStore) Trim(_ context.Context, _ string, _ int) (int64, error) { return 0, nil }

func (f *staticStore) TailMark(_ context.Context, _, _ string) (*marketdata.TailMark, error) {
	return nil, nil
}

func (f *staticStore) SaveTailMark(_ context.Context, _ marketdata.TailMark) error { return nil }

func (f *staticStore) TouchTailMark(_ context.Context, _, _ string, _, _ int64) error { return nil }

func (f *staticStore) GetMeta(_ context.Context, _ string) (string, error) { return "", nil }

func (f *staticStore) SetMeta(_ context.Context, _, _ string) error { return nil }

func (f *staticStore) Close() {}

type noopBus struct{}

func (noopBus) Publish(_ context.Context, _, _ string) error     { return nil }
func (noopBus) SetSnapshot(_ context.Context, _, _ string) error { return nil }

var handlerOpen = time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

func storedBar(tf string, openMS int64, source string) marketdata.Bar {
	size := int64(marketdata.MinuteMS)
	if tf == marketdata.TF5m {
		size = 5 * marketdata.MinuteMS
	}
	return marketdata.Bar{
		Symbol:      "XAUUSD",
		TF:          tf,
		OpenTimeMS:  openMS,
		CloseTimeMS: openMS + size - 1,
		Open:        1, High: 2, Low: 0.5, Close: 1.5,
		Volume:    3,
		Complete:  true,
		Source:    source,
		EventTSMS: openMS + size - 1,
	}
}

func handlerFixture(t *testing.T, store *staticStore) *Handler {
	t.Helper()
	cal := calendar.New(calendar.Config{TZName: "UTC"})
	cfg := &config.Config{
		NS:      "fx",
		Version: "test",
		Symbols: []string{"XAUUSD"},
		Session: config.SessionConfig{Backend: "disabled"},
	}
	st := status.NewManager(cfg, cal, noopBus{}, nil, logrus.New())
	previews := preview.NewCache(100)
	previews.UpdateBar("XAUUSD", marketdata.TF1m, marketdata.Bar{
		Symbol:     "XAUUSD",
		TF:         marketdata.TF1m,
		OpenTimeMS: handlerOpen,
		Open:       1, High: 1, Low: 1, Close: 1,
		Source: marketdata.SourceStream,
	})
	return NewHandler(cfg, store, previews, st, nil, time.Second)
}

func doRequest(h *Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	h := handlerFixture(t, &staticStore{})
	rec := doRequest(h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("/health = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Errorf("health body = %v", body)
	}
}

func TestStatusEndpointIncludesStoreCoverage(t *testing.T) {
	h := handlerFixture(t, &staticStore{})
	rec := doRequest(h, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	storeBlock, _ := body["store"].(map[string]any)
	if storeBlock["bars"] != float64(42) || storeBlock["symbol"] != "XAUUSD" {
		t.Errorf("store block = %+v", storeBlock)
	}
	if _, ok := body["market"]; !ok {
		t.Error("status body must carry the market section")
	}
}

func TestOHLCVPreviewMode(t *testing.T) {
	h := handlerFixture(t, &staticStore{})
	rec := doRequest(h, "/api/ohlcv?symbol=XAUUSD&tf=1m")
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/ohlcv preview = %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	bars, _ := body["bars"].([]any)
	if len(bars) != 1 {
		t.Fatalf("preview bars = %d, want 1", len(bars))
	}
	bar, _ := bars[0].(map[string]any)
	if bar["source"] != marketdata.SourceStream {
		t.Errorf("preview bar source = %v", bar["source"])
	}
}

func TestOHLCVFinalMode(t *testing.T) {
	store := &staticStore{bars: map[string][]marketdata.Bar{
		"XAUUSD|1m": {storedBar(marketdata.TF1m, handlerOpen, marketdata.SourceHistory)},
	}}
	h := handlerFixture(t, store)
	rec := doRequest(h, "/api/ohlcv?symbol=XAUUSD&tf=1m&mode=final")
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/ohlcv final = %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	bars, _ := body["bars"].([]any)
	if len(bars) != 1 {
		t.Errorf("final bars = %d, want 1", len(bars))
	}
}

func TestOHLCVFinalRejectsWrongSource(t *testing.T) {
	store := &staticStore{bars: map[string][]marketdata.Bar{
		"XAUUSD|1m": {storedBar(marketdata.TF1m, handlerOpen, marketdata.SourceStream)},
	}}
	h := handlerFixture(t, store)
	rec := doRequest(h, "/api/ohlcv?symbol=XAUUSD&tf=1m&mode=final")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("wrong source must be 500, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["last_write_source"] != marketdata.SourceStream {
		t.Errorf("body = %+v", body)
	}
}

func TestOHLCVRejectsUnknownTF(t *testing.T) {
	h := handlerFixture(t, &staticStore{})
	rec := doRequest(h, "/api/ohlcv?tf=2m")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown tf must be 400, got %d", rec.Code)
	}
}

func TestOHLCVFinalEmptyStore(t *testing.T) {
	h := handlerFixture(t, &staticStore{})
	rec := doRequest(h, "/api/ohlcv?tf=1m&mode=final")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty final store must be 400, got %d", rec.Code)
	}
}
