package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/callpipeline"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/errs"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/indicators"
)

func barsResponse(n int, start time.Time) chartResponse {
	var resp chartResponse
	for i := 0; i < n; i++ {
		d := start.AddDate(0, 0, i)
		resp.Timestamp = append(resp.Timestamp, d.Unix())
		resp.Open = append(resp.Open, 100)
		resp.High = append(resp.High, 105)
		resp.Low = append(resp.Low, 95)
		resp.Close = append(resp.Close, 101)
		resp.Volume = append(resp.Volume, 1000)
	}
	return resp
}

func TestFetchOHLCV_DailyBelowMinimumIsInsufficientData(t *testing.T) {
	start := time.Now().In(IST).AddDate(0, 0, -10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(barsResponse(10, start))
	}))
	defer srv.Close()

	pipeline := callpipeline.New(nil, nil, nil, nil)
	f := NewHistoricalFetcher(HistoricalConfig{BaseURL: srv.URL}, func() string { return "tok" }, pipeline)

	_, err := f.FetchOHLCV(context.Background(), "RELIANCE", "2885", IntervalDaily, 1)
	if !errs.Is(err, errs.InsufficientData) {
		t.Errorf("expected InsufficientData, got %v", err)
	}
}

func TestFetchOHLCV_DailyAboveMinimumSucceeds(t *testing.T) {
	start := time.Now().In(IST).AddDate(0, 0, -250)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(barsResponse(250, start))
	}))
	defer srv.Close()

	pipeline := callpipeline.New(nil, nil, nil, nil)
	f := NewHistoricalFetcher(HistoricalConfig{BaseURL: srv.URL}, func() string { return "tok" }, pipeline)

	candles, err := f.FetchOHLCV(context.Background(), "RELIANCE", "2885", IntervalDaily, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candles) < MinDailyBars {
		t.Errorf("got %d candles, want >= %d", len(candles), MinDailyBars)
	}
}

func TestResampleWeekly_AggregatesWithinISOWeek(t *testing.T) {
	monday := time.Date(2026, 7, 27, 0, 0, 0, 0, IST) // a Monday
	daily := []indicators.Candle{
		{Date: monday, Open: 100, High: 105, Low: 95, Close: 102, Volume: 10},
		{Date: monday.AddDate(0, 0, 1), Open: 102, High: 110, Low: 98, Close: 108, Volume: 20},
		{Date: monday.AddDate(0, 0, 7), Open: 108, High: 112, Low: 100, Close: 109, Volume: 5},
	}

	weekly := resampleWeekly(daily)
	if len(weekly) != 2 {
		t.Fatalf("len(weekly) = %d, want 2", len(weekly))
	}
	first := weekly[0]
	if first.Open != 100 || first.Close != 108 || first.High != 110 || first.Low != 95 || first.Volume != 30 {
		t.Errorf("first week aggregate = %+v", first)
	}
}

func TestFetchOHLCV_401MapsToAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	pipeline := callpipeline.New(nil, nil, nil, nil)
	f := NewHistoricalFetcher(HistoricalConfig{BaseURL: srv.URL}, func() string { return "tok" }, pipeline)

	_, err := f.FetchOHLCV(context.Background(), "RELIANCE", "2885", IntervalDaily, 1)
	if !errs.Is(err, errs.AuthExpired) {
		t.Errorf("expected AuthExpired, got %v", err)
	}
}
