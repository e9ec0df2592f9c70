package eventlog

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECORD SCHEMAS - One fixed, versioned schema per stage stream
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every record is one CSV line. The first field is always an ISO-8601
// timestamp with second precision; a line whose first field is the literal
// "ts" is a header and never data.
//
// ═══════════════════════════════════════════════════════════════════════════════

// tsLayout is RFC 3339 at second precision.
const tsLayout = time.RFC3339

// Record is anything that can be serialized as one stream line.
type Record interface {
	Fields() []string
}

// Schema describes one stream type.
type Schema struct {
	Name   string   // stream name, also the file/channel prefix
	Header []string // written once when a file stream is created
}

// Stream schemas, one per stage boundary.
var (
	AlertSchema = Schema{
		Name:   "alert",
		Header: []string{"ts", "symbol", "price", "pctMove", "rv", "vol", "hodDist", "spreadPct", "float", "lowFloat", "haltFlag", "trend", "qs"},
	}
	ArmedSchema = Schema{
		Name:   "armed",
		Header: []string{"ts", "symbol", "price"},
	}
	EntrySchema = Schema{
		Name:   "entry",
		Header: []string{"ts", "symbol", "side", "qty", "avgFill", "riskR", "comment"},
	}
	ExitSchema = Schema{
		Name:   "exit",
		Header: []string{"ts", "symbol", "action", "qty", "price", "comment"},
	}
)

// Alert is the stage-0 qualification record.
type Alert struct {
	TS        time.Time
	Symbol    string
	Price     decimal.Decimal
	PctMove   float64
	RV        float64 // relative volume vs 10-day same-minute average
	Volume    int64
	HODDist   float64 // % below high of day
	SpreadPct float64
	FloatSh   int64
	LowFloat  bool
	HaltFlag  int
	Trend     float64
}

// Quality is the composite signal-quality score used by the soft-cap throttle.
func (a Alert) Quality() float64 { return a.RV * a.Trend }

func (a Alert) Fields() []string {
	return []string{
		a.TS.Format(tsLayout),
		a.Symbol,
		a.Price.StringFixed(2),
		fmt.Sprintf("%.2f", a.PctMove),
		fmt.Sprintf("%.2f", a.RV),
		strconv.FormatInt(a.Volume, 10),
		fmt.Sprintf("%.2f", a.HODDist),
		fmt.Sprintf("%.2f", a.SpreadPct),
		strconv.FormatInt(a.FloatSh, 10),
		boolField(a.LowFloat),
		strconv.Itoa(a.HaltFlag),
		fmt.Sprintf("%.2f", a.Trend),
		fmt.Sprintf("%.2f", a.Quality()),
	}
}

// ParseAlert decodes one alert line.
func ParseAlert(fields []string) (Alert, error) {
	if len(fields) < 13 {
		return Alert{}, fmt.Errorf("alert record: want 13 fields, got %d", len(fields))
	}
	ts, err := time.Parse(tsLayout, fields[0])
	if err != nil {
		return Alert{}, fmt.Errorf("alert record: bad ts %q: %w", fields[0], err)
	}
	price, err := decimal.NewFromString(fields[2])
	if err != nil {
		return Alert{}, fmt.Errorf("alert record: bad price %q: %w", fields[2], err)
	}
	a := Alert{TS: ts, Symbol: fields[1], Price: price}
	a.PctMove, _ = strconv.ParseFloat(fields[3], 64)
	a.RV, _ = strconv.ParseFloat(fields[4], 64)
	a.Volume, _ = strconv.ParseInt(fields[5], 10, 64)
	a.HODDist, _ = strconv.ParseFloat(fields[6], 64)
	a.SpreadPct, _ = strconv.ParseFloat(fields[7], 64)
	a.FloatSh, _ = strconv.ParseInt(fields[8], 10, 64)
	a.LowFloat = fields[9] == "1"
	a.HaltFlag, _ = strconv.Atoi(fields[10])
	a.Trend, _ = strconv.ParseFloat(fields[11], 64)
	return a, nil
}

// Armed marks a symbol that passed pullback validation.
type Armed struct {
	TS     time.Time
	Symbol string
	Price  decimal.Decimal
}

func (a Armed) Fields() []string {
	return []string{a.TS.Format(tsLayout), a.Symbol, a.Price.StringFixed(2)}
}

// ParseArmed decodes one armed line.
func ParseArmed(fields []string) (Armed, error) {
	if len(fields) < 3 {
		return Armed{}, fmt.Errorf("armed record: want 3 fields, got %d", len(fields))
	}
	ts, err := time.Parse(tsLayout, fields[0])
	if err != nil {
		return Armed{}, fmt.Errorf("armed record: bad ts %q: %w", fields[0], err)
	}
	price, err := decimal.NewFromString(fields[2])
	if err != nil {
		return Armed{}, fmt.Errorf("armed record: bad price %q: %w", fields[2], err)
	}
	return Armed{TS: ts, Symbol: fields[1], Price: price}, nil
}

// Entry records an order submission by the entry stage.
type Entry struct {
	TS      time.Time
	Symbol  string
	Side    string
	Qty     int64
	AvgFill string // "pending" until the fill is confirmed
	RiskR   float64
	Comment string
}

func (e Entry) Fields() []string {
	return []string{
		e.TS.Format(tsLayout),
		e.Symbol,
		e.Side,
		strconv.FormatInt(e.Qty, 10),
		e.AvgFill,
		fmt.Sprintf("%.2f", e.RiskR),
		e.Comment,
	}
}

// Exit records a stop move or partial/final exit by the exit stage.
type Exit struct {
	TS      time.Time
	Symbol  string
	Action  string
	Qty     int64
	Price   decimal.Decimal
	Comment string
}

func (e Exit) Fields() []string {
	return []string{
		e.TS.Format(tsLayout),
		e.Symbol,
		e.Action,
		strconv.FormatInt(e.Qty, 10),
		e.Price.StringFixed(2),
		e.Comment,
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
