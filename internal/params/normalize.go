// Package params validates candidate simulation parameters against a job
// type's schema and detects jobs that already cover a parameter set.
package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/simconsole/internal/jobtype"
)

var (
	errNotANumber = errors.New("not a number")
	errOutOfRange = errors.New("out of range")
)

// Stringify coerces a parameter value to its comparison string. Numbers use
// the shortest decimal form, so 1 and "1" compare equal but 1 and "1.0" do not.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, errNotANumber
		}
		return f, nil
	default:
		return 0, errNotANumber
	}
}

// toInt parses integers exactly where it can and only falls back to float
// parsing for forms like 28.0.
func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case json.Number:
		return intFromString(x.String())
	case string:
		return intFromString(x)
	}
	n, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	return intFromFloat(n)
}

func intFromString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, errOutOfRange
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errNotANumber
	}
	return intFromFloat(f)
}

func intFromFloat(n float64) (int64, error) {
	if math.IsNaN(n) || n != math.Trunc(n) {
		return 0, errNotANumber
	}
	// 1<<63 is exact as a float64; MaxInt64 itself is not.
	if math.IsInf(n, 0) || n >= 1<<63 || n < -(1<<63) {
		return 0, errOutOfRange
	}
	return int64(n), nil
}

// Normalize returns the canonical string form of v for field f. This is the
// single place numeric precision is applied, both at submission time and when
// comparing against existing jobs.
func Normalize(f jobtype.Field, v any) (string, error) {
	switch f.Kind {
	case jobtype.KindInt:
		n, err := toInt(v)
		if errors.Is(err, errOutOfRange) {
			return "", fmt.Errorf("%s is out of range", f.Key)
		}
		if err != nil {
			return "", fmt.Errorf("%s must be an integer", f.Key)
		}
		return strconv.FormatInt(n, 10), nil
	case jobtype.KindFloat:
		n, err := toFloat(v)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return "", fmt.Errorf("%s must be a number", f.Key)
		}
		return strconv.FormatFloat(n, 'f', f.Precision, 64), nil
	case jobtype.KindEnum:
		s := strings.TrimSpace(Stringify(v))
		for _, c := range f.Choices {
			if c == s {
				return s, nil
			}
		}
		return "", fmt.Errorf("%s must be one of %s", f.Key, strings.Join(f.Choices, ", "))
	default:
		return strings.TrimSpace(Stringify(v)), nil
	}
}

// NormalizeSet normalizes every schema field present in p. Fields that fail
// to normalize keep their plain string form so a malformed stored job can
// still be compared.
func NormalizeSet(d jobtype.Descriptor, p map[string]any) map[string]any {
	out := make(map[string]any, len(d.Fields))
	for _, f := range d.Fields {
		v, ok := p[f.Key]
		if !ok {
			continue
		}
		s, err := Normalize(f, v)
		if err != nil {
			s = Stringify(v)
		}
		out[f.Key] = s
	}
	return out
}
