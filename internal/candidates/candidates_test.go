package candidates

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCSV(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_FiltersByVerdictAndScore(t *testing.T) {
	dir := t.TempDir()
	body := `ticker,last_close,final_verdict,combined_score,execution_capital
RELIANCE,2450.50,buy,42.0,100000
TCS,3800.00,watch,50.0,
INFY,1500.00,strong_buy,20.0,
WIPRO,400.00,buy,30.0,
`
	path := writeCSV(t, dir, "candidates.csv", body)

	got, err := Load(path, 25)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2 (RELIANCE, WIPRO)", len(got))
	}
	tickers := map[string]bool{}
	for _, c := range got {
		tickers[c.Ticker] = true
	}
	if !tickers["RELIANCE"] || !tickers["WIPRO"] {
		t.Errorf("got tickers %v, want RELIANCE and WIPRO", tickers)
	}
}

func TestLoad_ParsesExecutionCapitalWhenPresent(t *testing.T) {
	dir := t.TempDir()
	body := "ticker,last_close,final_verdict,combined_score,execution_capital\nRELIANCE,2450.50,buy,42.0,100000\n"
	path := writeCSV(t, dir, "c.csv", body)

	got, err := Load(path, 25)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if !got[0].ExecutionCapital.Equal(got[0].ExecutionCapital) {
		t.Fatal("sanity")
	}
	want := "100000"
	if got[0].ExecutionCapital.String() != want {
		t.Errorf("execution_capital = %s, want %s", got[0].ExecutionCapital.String(), want)
	}
}

func TestLoad_MissingRequiredColumnErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "bad.csv", "ticker,last_close\nRELIANCE,2450.50\n")

	if _, err := Load(path, 25); err == nil {
		t.Fatal("expected an error for a file missing final_verdict/combined_score")
	}
}

func TestNewestFile_PicksMostRecentlyModified(t *testing.T) {
	dir := t.TempDir()
	older := writeCSV(t, dir, "a.csv", "ticker,last_close,final_verdict,combined_score\n")
	newer := writeCSV(t, dir, "b.csv", "ticker,last_close,final_verdict,combined_score\n")

	now := time.Now()
	if err := os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Chtimes(newer, now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	got, err := NewestFile(dir)
	if err != nil {
		t.Fatalf("NewestFile: %v", err)
	}
	if got != newer {
		t.Errorf("NewestFile = %s, want %s", got, newer)
	}
}

func TestNewestFile_ErrorsWhenDirEmpty(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewestFile(dir); err == nil {
		t.Fatal("expected an error for an empty directory")
	}
}
