package connectors

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jmespath/go-jmespath"
)

// Record is a decoded JSON object from a platform response
type Record map[string]any

// Search evaluates a JMESPath expression against the record
func (r Record) Search(expression string) any {
	value, err := jmespath.Search(expression, map[string]any(r))
	if err != nil {
		return nil
	}
	return value
}

// String returns the expression result as a string, "" when missing
func (r Record) String(expression string) string {
	switch v := r.Search(expression).(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Float returns the expression result as a number. Platforms encode numbers as strings
// or numbers interchangeably; missing values are 0.
func (r Record) Float(expression string) (float64, error) {
	switch v := r.Search(expression).(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case string:
		if v == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %q is not a number", expression, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s: unexpected %T", expression, v)
	}
}

// Int returns the expression result as an integer
func (r Record) Int(expression string) (int64, error) {
	f, err := r.Float(expression)
	return int64(f), err
}

// Time parses the expression result with one of layouts; nil when missing
func (r Record) Time(expression string, layouts ...string) (*time.Time, error) {
	raw := r.String(expression)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%s: cannot parse time %q", expression, raw)
}

// DecodeRecords unmarshals the array at expression of a JSON body
func DecodeRecords(body []byte, expression string) ([]Record, Record, error) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	raw, err := jmespath.Search(expression, root)
	if err != nil {
		return nil, nil, err
	}
	if raw == nil {
		return nil, Record(root), nil
	}

	items, ok := raw.([]any)
	if !ok {
		return nil, nil, fmt.Errorf("%s is not an array", expression)
	}

	records := make([]Record, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			records = append(records, Record(obj))
		}
	}
	return records, Record(root), nil
}
