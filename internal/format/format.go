// Package format holds the culture-invariant number, date and coordinate
// formatting shared by every metadata record.
package format

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	dateTimeLayout = "2006-01-02 15:04"
	fractionDigits = 4
)

// ReformatDouble renders v with at most four fraction digits and parses the
// result back, trimming noise such as 31867.87451480006246 to 31867.8745.
func ReformatDouble(v float64) float64 {
	return roundDigits(v, fractionDigits)
}

// RoundTenth rounds v to one decimal. NaN is returned untouched.
func RoundTenth(v float64) float64 {
	return roundDigits(v, 1)
}

// roundDigits rounds half away from zero on the shortest decimal form of v,
// so 0.03125 becomes 0.0313.
func roundDigits(v float64, digits int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	abs := math.Abs(v)
	s := strconv.FormatFloat(abs, 'f', -1, 64)
	intPart, frac, _ := strings.Cut(s, ".")
	if len(frac) <= digits {
		return v
	}

	kept, err := strconv.ParseFloat(intPart+"."+frac[:digits], 64)
	if err != nil {
		return v
	}
	if frac[digits] >= '5' {
		kept += math.Pow10(-digits)
		// Drop the binary noise the addition leaves behind.
		if kept, err = strconv.ParseFloat(strconv.FormatFloat(kept, 'f', digits, 64), 64); err != nil {
			return v
		}
	}
	return math.Copysign(kept, v)
}

// Float renders v in its shortest invariant form ("1.5", "31867.8745", "NaN").
func Float(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatRA turns "HH:MM:SS" into "Hh Mm Ss" with leading zeros dropped.
// An empty string stays empty; anything that does not parse is returned as is.
func FormatRA(ra string) string {
	ra = strings.TrimSpace(ra)
	if ra == "" {
		return ""
	}
	parts := strings.Split(ra, ":")
	if len(parts) != 3 {
		return ra
	}
	values := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return ra
		}
		values[i] = n
	}
	return strconv.Itoa(values[0]) + "h " + strconv.Itoa(values[1]) + "m " + strconv.Itoa(values[2]) + "s"
}

// FormatDateTime formats t in its own zone as "yyyy-MM-dd HH:mm", the same
// wall clock the file name tokens use.
func FormatDateTime(t time.Time) string {
	return t.Format(dateTimeLayout)
}

// FormatDateTimeISO8601 converts t to UTC and renders it round-trippable.
func FormatDateTimeISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
