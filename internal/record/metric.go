package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"sessionmeta/internal/format"
)

// NotApplicable is written for any optional value the event did not carry,
// in both CSV and JSON output.
const NotApplicable = "n/a"

// Metric is an optional number. The zero value is not applicable. NaN and
// infinite inputs, including the weather temperatures, are reported as not
// applicable since neither CSV consumers nor JSON can carry them.
type Metric struct {
	Value float64
	Valid bool
}

// Some wraps v, reformatted to four fraction digits. NaN and infinities are
// not applicable.
func Some(v float64) Metric {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Metric{}
	}
	return Metric{Value: format.ReformatDouble(v), Valid: true}
}

// None is the not-applicable metric.
func None() Metric { return Metric{} }

func fromPtr(v *float64) Metric {
	if v == nil {
		return None()
	}
	return Some(*v)
}

func tenthFromPtr(v *float64) Metric {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return None()
	}
	return Metric{Value: format.RoundTenth(*v), Valid: true}
}

func (m Metric) String() string {
	if !m.Valid {
		return NotApplicable
	}
	return format.Float(m.Value)
}

func (m Metric) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return json.Marshal(NotApplicable)
	}
	return []byte(strconv.FormatFloat(m.Value, 'f', -1, 64)), nil
}

func (m *Metric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = Metric{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == NotApplicable || s == "" {
			*m = Metric{}
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("metric %q: %w", s, err)
		}
		*m = Metric{Value: v, Valid: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*m = Metric{Value: v, Valid: true}
	return nil
}
