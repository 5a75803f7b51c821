// Package candidates loads the day's buy suggestions from the CSV file the
// external analysis stage drops into a known directory (spec §6: "Candidate
// input"). Reading follows the teacher's internal/market/dhan_data.go CSV
// idiom (encoding/csv + strconv, columns located by header name) rather
// than a third-party CSV/struct-mapping library — no example repo in the
// pack reaches for one, so this is one of the deliberate stdlib exceptions
// (recorded in DESIGN.md).
package candidates

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Verdict is the externally produced recommendation for a ticker.
type Verdict string

const (
	VerdictBuy       Verdict = "buy"
	VerdictStrongBuy Verdict = "strong_buy"
	VerdictWatch     Verdict = "watch"
	VerdictAvoid     Verdict = "avoid"
)

// Candidate is a pre-scored buy suggestion for one ticker, consumed once by
// EntryEngine and never persisted.
type Candidate struct {
	Ticker           string
	LastClose        decimal.Decimal
	FinalVerdict     Verdict
	CombinedScore    float64
	ExecutionCapital decimal.Decimal // zero if not provided
}

// Accepted reports whether C passes the universal acceptance gate: verdict
// in {buy, strong_buy} and combined_score >= minScore.
func (c Candidate) Accepted(minScore float64) bool {
	if c.FinalVerdict != VerdictBuy && c.FinalVerdict != VerdictStrongBuy {
		return false
	}
	return c.CombinedScore >= minScore
}

// requiredColumns names the header fields this loader understands. Column
// order in the file does not matter; names are matched case-insensitively.
var requiredColumns = []string{"ticker", "last_close", "final_verdict", "combined_score"}

// NewestFile returns the most recently modified *.csv file under dir. The
// engine is expected to call this once per trading day at market open; it
// is the caller's responsibility to only act on a file whose mtime falls
// within the current trading day (stale files are silently reused
// otherwise, which is acceptable: an empty/missing file for today simply
// yields zero candidates upstream via Load's os.Open error).
func NewestFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("candidates: reading %s: %w", dir, err)
	}

	type dated struct {
		path    string
		modTime int64
	}
	var files []dated
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, dated{path: filepath.Join(dir, e.Name()), modTime: info.ModTime().UnixNano()})
	}
	if len(files) == 0 {
		return "", fmt.Errorf("candidates: no csv files found in %s", dir)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime > files[j].modTime })
	return files[0].path, nil
}

// Load parses a candidate CSV file, returning every row that satisfies
// minScore and an accepted verdict. Column lookup is by header name, so
// extra/out-of-order columns in the source file do not break parsing.
func Load(path string, minScore float64) ([]Candidate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("candidates: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("candidates: reading header: %w", err)
	}
	idx, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("candidates: reading row: %w", err)
		}

		c, ok := parseRow(record, idx)
		if !ok {
			continue
		}
		if c.Accepted(minScore) {
			out = append(out, c)
		}
	}
	return out, nil
}

func columnIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("candidates: missing required column %q", col)
		}
	}
	return idx, nil
}

func parseRow(record []string, idx map[string]int) (Candidate, bool) {
	get := func(col string) (string, bool) {
		i, ok := idx[col]
		if !ok || i >= len(record) {
			return "", false
		}
		return strings.TrimSpace(record[i]), true
	}

	ticker, ok := get("ticker")
	if !ok || ticker == "" {
		return Candidate{}, false
	}

	lastCloseStr, ok := get("last_close")
	if !ok {
		return Candidate{}, false
	}
	lastClose, err := decimal.NewFromString(lastCloseStr)
	if err != nil {
		return Candidate{}, false
	}

	verdictStr, _ := get("final_verdict")
	scoreStr, ok := get("combined_score")
	if !ok {
		return Candidate{}, false
	}
	score, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		return Candidate{}, false
	}

	c := Candidate{
		Ticker:        ticker,
		LastClose:     lastClose,
		FinalVerdict:  Verdict(strings.ToLower(verdictStr)),
		CombinedScore: score,
	}

	if capStr, ok := get("execution_capital"); ok && capStr != "" {
		if execCap, err := decimal.NewFromString(capStr); err == nil {
			c.ExecutionCapital = execCap
		}
	}

	return c, true
}
