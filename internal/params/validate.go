package params

import (
	"fmt"
	"strconv"

	"github.com/kiranshivaraju/simconsole/internal/jobtype"
)

// ValidationError reports a candidate field that violates its constraints.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Validate checks candidate against the job type's field constraints and
// returns the submission-ready parameter set. Numbers are returned as their
// normalized values (int64 / float64 rounded to the field precision), enums
// and strings as strings. Unknown keys are dropped.
func Validate(d jobtype.Descriptor, candidate map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(d.Fields))
	for _, f := range d.Fields {
		v, present := candidate[f.Key]
		if !present || v == nil || Stringify(v) == "" {
			if f.Default != nil {
				v = f.Default
			} else if f.Required {
				return nil, &ValidationError{Field: f.Key, Reason: fmt.Sprintf("%s is required", f.Key)}
			} else {
				continue
			}
		}

		norm, err := Normalize(f, v)
		if err != nil {
			return nil, &ValidationError{Field: f.Key, Reason: err.Error()}
		}
		if f.Required && norm == "" {
			return nil, &ValidationError{Field: f.Key, Reason: fmt.Sprintf("%s is required", f.Key)}
		}

		switch f.Kind {
		case jobtype.KindInt:
			n, _ := strconv.ParseInt(norm, 10, 64)
			if err := checkRange(f, float64(n)); err != nil {
				return nil, err
			}
			out[f.Key] = n
		case jobtype.KindFloat:
			n, _ := strconv.ParseFloat(norm, 64)
			if err := checkRange(f, n); err != nil {
				return nil, err
			}
			out[f.Key] = n
		default:
			out[f.Key] = norm
		}
	}
	return out, nil
}

func checkRange(f jobtype.Field, n float64) error {
	below := f.Min != nil && n < *f.Min
	above := f.Max != nil && n > *f.Max
	if !below && !above {
		return nil
	}
	var reason string
	switch {
	case f.Min != nil && f.Max != nil:
		reason = fmt.Sprintf("%s must be in [%s,%s]", f.Key, bound(*f.Min), bound(*f.Max))
	case f.Min != nil:
		reason = fmt.Sprintf("%s must be at least %s", f.Key, bound(*f.Min))
	default:
		reason = fmt.Sprintf("%s must be at most %s", f.Key, bound(*f.Max))
	}
	return &ValidationError{Field: f.Key, Reason: reason}
}

func bound(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
