// Package coerce converts loosely typed provider values into dates, decimals
// and normalized strings. Unparseable input yields nil rather than an error.
package coerce

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// excelEpoch is day zero of the Excel 1900 date system (the 1900 leap-year bug
// is absorbed by starting on Dec 30).
var excelEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// Plausible serial range: 1900-01-01 .. 9999-12-31.
const (
	minExcelSerial = 1
	maxExcelSerial = 2958465
)

var dateLayouts = []string{
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"02.01.2006",
	"2.1.2006 15:04:05",
	"2.1.2006 15:04",
	"2.1.2006",
	"02.01.06 15:04:05",
	"02.01.06 15:04",
	"02.01.06",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
	"2/1/2006 15:04",
	"2/1/2006",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var timeLayouts = []string{
	"15:04:05",
	"15:04",
	"15.04.05",
	"15.04",
}

// Date parses v as a date-time in loc. Supported inputs: time.Time, Excel
// serial numbers (numeric or numeric string), D.M.YYYY [HH:MM[:SS]] with one
// or two digit day and month, DD/MM/YYYY and ISO-8601 forms. Returns nil for
// empty or unparseable input.
func Date(v any, loc *time.Location) *time.Time {
	if loc == nil {
		loc = time.UTC
	}
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		if x.IsZero() {
			return nil
		}
		return &x
	case *time.Time:
		if x == nil || x.IsZero() {
			return nil
		}
		t := *x
		return &t
	case float64:
		return fromExcelSerial(x, loc)
	case float32:
		return fromExcelSerial(float64(x), loc)
	case int:
		return fromExcelSerial(float64(x), loc)
	case int64:
		return fromExcelSerial(float64(x), loc)
	case json.Number:
		return dateFromString(string(x), loc)
	case []byte:
		return dateFromString(string(x), loc)
	case string:
		return dateFromString(x, loc)
	default:
		return nil
	}
}

func dateFromString(s string, loc *time.Location) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t
		}
	}
	if f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64); err == nil {
		return fromExcelSerial(f, loc)
	}
	return nil
}

func fromExcelSerial(serial float64, loc *time.Location) *time.Time {
	if math.IsNaN(serial) || serial < minExcelSerial || serial > maxExcelSerial {
		return nil
	}
	days := math.Floor(serial)
	// Round the fraction to the nearest second; Excel stores clock time as a
	// binary fraction of a day.
	secs := math.Round((serial - days) * 86400)
	base := excelEpoch.AddDate(0, 0, int(days)).Add(time.Duration(secs) * time.Second)
	t := time.Date(base.Year(), base.Month(), base.Day(), base.Hour(), base.Minute(), base.Second(), 0, loc)
	return &t
}

// Clock parses v as a time of day and returns the offset since midnight.
// Accepts HH:MM[:SS], HH.MM[.SS], Excel day fractions and time.Time values.
func Clock(v any) (time.Duration, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case time.Time:
		return clockOf(x), true
	case float64:
		return clockFromFraction(x)
	case float32:
		return clockFromFraction(float64(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return clockOf(t), true
			}
		}
		if t := dateFromString(s, time.UTC); t != nil {
			return clockOf(*t), true
		}
		if f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64); err == nil {
			return clockFromFraction(f)
		}
		return 0, false
	default:
		return 0, false
	}
}

func clockOf(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
}

func clockFromFraction(f float64) (time.Duration, bool) {
	if f < 0 || f >= 1 || math.IsNaN(f) {
		return 0, false
	}
	return time.Duration(math.Round(f*86400)) * time.Second, true
}

// Decimal parses v as a decimal number. Either '.' or ',' may be the
// fractional separator; when both appear the right-most one is the fraction
// separator and the other is treated as a thousands separator. Spaces
// (including non-breaking ones) are ignored. Returns nil for empty or
// unparseable input.
func Decimal(v any) *decimal.Decimal {
	switch x := v.(type) {
	case nil:
		return nil
	case decimal.Decimal:
		return &x
	case *decimal.Decimal:
		return x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		d := decimal.NewFromFloat(x)
		return &d
	case float32:
		d := decimal.NewFromFloat32(x)
		return &d
	case int:
		d := decimal.NewFromInt(int64(x))
		return &d
	case int64:
		d := decimal.NewFromInt(x)
		return &d
	case int32:
		d := decimal.NewFromInt(int64(x))
		return &d
	case json.Number:
		return decimalFromString(string(x))
	case []byte:
		return decimalFromString(string(x))
	case string:
		return decimalFromString(x)
	default:
		return nil
	}
}

func decimalFromString(s string) *decimal.Decimal {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '\'' {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			return nil
		}
		s = strings.Replace(s, ",", ".", 1)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

// String returns a trimmed string form of v, or "" for nil.
func String(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case []byte:
		return strings.TrimSpace(string(x))
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e18 {
			return strconv.FormatFloat(x, 'f', 0, 64)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Time:
		return x.Format(time.RFC3339)
	case decimal.Decimal:
		return x.String()
	case interface{ String() string }:
		return strings.TrimSpace(x.String())
	default:
		return ""
	}
}

// CardNumber normalizes a card number: scientific-notation numbers produced
// by spreadsheets are expanded, and everything except letters and digits is
// dropped. Letters are upper-cased.
func CardNumber(v any) string {
	s := String(v)
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "eE") && strings.ContainsAny(s, "+") {
		if f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64); err == nil {
			s = strconv.FormatFloat(f, 'f', 0, 64)
		}
	}
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// Key normalizes a free-text reference (station name, plate) for lookups:
// lower-cased with runs of whitespace collapsed.
func Key(v any) string {
	return strings.ToLower(strings.Join(strings.Fields(String(v)), " "))
}

// Plate normalizes a vehicle registration plate: upper-cased, spaces and
// dashes removed.
func Plate(v any) string {
	s := String(v)
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
