package eventlog

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testArmed(sym string) Armed {
	return Armed{
		TS:     time.Date(2025, 6, 2, 9, 41, 0, 0, time.UTC),
		Symbol: sym,
		Price:  decimal.NewFromFloat(9.80),
	}
}

func TestConsumeExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	logw, err := NewFileLog(dir, ArmedSchema)
	if err != nil {
		t.Fatal(err)
	}
	logw.now = fixedClock(day)

	cons := NewFileConsumer(dir, ArmedSchema)
	cons.now = fixedClock(day)

	// Nothing appended yet: empty result, no error.
	rows, err := cons.ConsumeNew()
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected empty consume before append, got %v rows err=%v", rows, err)
	}

	if err := logw.Append(testArmed("ABCD")); err != nil {
		t.Fatal(err)
	}

	rows, err = cons.ConsumeNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(rows))
	}
	rec, err := ParseArmed(rows[0])
	if err != nil {
		t.Fatal(err)
	}
	if rec.Symbol != "ABCD" || rec.Price.StringFixed(2) != "9.80" {
		t.Errorf("unexpected record %+v", rec)
	}

	// No duplicate delivery.
	rows, err = cons.ConsumeNew()
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no-duplicate second consume, got %v rows err=%v", rows, err)
	}
}

func TestPartialTrailingLineNotConsumed(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	logw, _ := NewFileLog(dir, ArmedSchema)
	logw.now = fixedClock(day)
	cons := NewFileConsumer(dir, ArmedSchema)
	cons.now = fixedClock(day)

	if err := logw.Append(testArmed("FULL")); err != nil {
		t.Fatal(err)
	}

	// Simulate a record caught mid-write: no trailing newline yet.
	f, err := os.OpenFile(logw.path(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("2025-06-02T09:42:00Z,HALF"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	rows, err := cons.ConsumeNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0][1] != "FULL" {
		t.Fatalf("expected only the complete record, got %v", rows)
	}

	// Writer finishes the line.
	f, _ = os.OpenFile(logw.path(), os.O_WRONLY|os.O_APPEND, 0o644)
	if _, err := f.WriteString(",9.90\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	rows, err = cons.ConsumeNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0][1] != "HALF" {
		t.Fatalf("expected the completed record, got %v", rows)
	}
}

func TestMalformedAndHeaderLinesSkippedButAdvanced(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	logw, _ := NewFileLog(dir, ArmedSchema)
	logw.now = fixedClock(day)
	cons := NewFileConsumer(dir, ArmedSchema)
	cons.now = fixedClock(day)

	if err := logw.Append(testArmed("GOOD")); err != nil {
		t.Fatal(err)
	}
	// A stray header and a short line in the middle of the stream.
	f, _ := os.OpenFile(logw.path(), os.O_WRONLY|os.O_APPEND, 0o644)
	f.WriteString("ts,symbol,price\n")
	f.WriteString("garbage\n")
	f.Close()

	rows, err := cons.ConsumeNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0][1] != "GOOD" {
		t.Fatalf("expected 1 data record, got %v", rows)
	}

	// The skipped lines were advanced past, never redelivered.
	rows, _ = cons.ConsumeNew()
	if len(rows) != 0 {
		t.Fatalf("skipped lines redelivered: %v", rows)
	}
}

func TestOffsetSurvivesConsumerRestart(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	logw, _ := NewFileLog(dir, ArmedSchema)
	logw.now = fixedClock(day)

	cons := NewFileConsumer(dir, ArmedSchema)
	cons.now = fixedClock(day)

	logw.Append(testArmed("ONE"))
	if rows, _ := cons.ConsumeNew(); len(rows) != 1 {
		t.Fatalf("expected 1 record before restart, got %d", len(rows))
	}

	// New consumer instance for the same (stage, day): must not reprocess.
	cons2 := NewFileConsumer(dir, ArmedSchema)
	cons2.now = fixedClock(day)
	if rows, _ := cons2.ConsumeNew(); len(rows) != 0 {
		t.Fatalf("restarted consumer reprocessed records: %v", rows)
	}

	logw.Append(testArmed("TWO"))
	rows, _ := cons2.ConsumeNew()
	if len(rows) != 1 || rows[0][1] != "TWO" {
		t.Fatalf("restarted consumer missed new record: %v", rows)
	}
}

func TestDayRolloverStartsFreshStream(t *testing.T) {
	dir := t.TempDir()
	monday := time.Date(2025, 6, 2, 15, 59, 0, 0, time.UTC)
	tuesday := time.Date(2025, 6, 3, 9, 30, 0, 0, time.UTC)

	logw, _ := NewFileLog(dir, ArmedSchema)
	logw.now = fixedClock(monday)
	cons := NewFileConsumer(dir, ArmedSchema)
	cons.now = fixedClock(monday)

	logw.Append(testArmed("MON"))
	if rows, _ := cons.ConsumeNew(); len(rows) != 1 {
		t.Fatal("expected monday record")
	}

	logw.now = fixedClock(tuesday)
	cons.now = fixedClock(tuesday)

	logw.Append(testArmed("TUE"))
	rows, _ := cons.ConsumeNew()
	if len(rows) != 1 || rows[0][1] != "TUE" {
		t.Fatalf("expected tuesday record from fresh stream, got %v", rows)
	}
}

func TestAlertRoundTripAndQuality(t *testing.T) {
	a := Alert{
		TS:      time.Date(2025, 6, 2, 9, 35, 0, 0, time.UTC),
		Symbol:  "MOMO",
		Price:   decimal.NewFromFloat(12.34),
		PctMove: 8.5,
		RV:      4.0,
		Volume:  250_000,
		Trend:   1.5,
	}
	parsed, err := ParseAlert(a.Fields())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Symbol != "MOMO" || parsed.Volume != 250_000 {
		t.Errorf("round trip lost fields: %+v", parsed)
	}
	if q := parsed.Quality(); q != 6.0 {
		t.Errorf("quality = rv*trend: want 6.0, got %v", q)
	}

	if _, err := ParseAlert([]string{"ts", "too", "short"}); err == nil {
		t.Error("expected error for short alert record")
	}
}
