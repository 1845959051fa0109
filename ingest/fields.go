package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"warden/core"
)

// Document is a decoded sensor payload
type Document map[string]interface{}

// lookup resolves a literal key first, then a dotted path through nested maps.
// Zeek writes keys such as "id.orig_h" literally, Suricata nests them.
func (d Document) lookup(path string) (interface{}, bool) {
	if v, ok := d[path]; ok {
		return v, true
	}
	var cur interface{} = map[string]interface{}(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Document:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

// str returns the string at path, or "" when absent or not scalar
func (d Document) str(path string) string {
	v, ok := d.lookup(path)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case []byte:
		return strings.TrimSpace(string(s))
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(s)
	}
	return ""
}

// number returns the numeric value at path; strings holding numbers are accepted
func (d Document) number(path string) (float64, bool, error) {
	v, ok := d.lookup(path)
	if !ok || v == nil {
		return 0, false, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, true, fmt.Errorf("field %s: %w", path, err)
	}
	return f, true, nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// timestamp reads the first present field among paths and converts it to UTC.
// Strings are tried against the known layouts; numbers are epoch seconds,
// or epoch milliseconds when too large to be seconds.
func (d Document) timestamp(paths ...string) (time.Time, error) {
	for _, path := range paths {
		v, ok := d.lookup(path)
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			for _, layout := range timestampLayouts {
				if ts, err := time.Parse(layout, s); err == nil {
					return ts.UTC(), nil
				}
			}
			if _, err := strconv.ParseFloat(s, 64); err != nil {
				return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q in %s", core.ErrMalformedPayload, s, path)
			}
		}
		if ts, isTime := v.(time.Time); isTime {
			return ts.UTC(), nil
		}
		f, err := toFloat(v)
		if err != nil || f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
			return time.Time{}, fmt.Errorf("%w: invalid timestamp in %s", core.ErrMalformedPayload, path)
		}
		if f > 1e12 {
			f /= 1000
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: missing timestamp", core.ErrMalformedPayload)
}

// indicatorCollector gathers indicators from payload fields.
// Values that do not parse for their kind are skipped.
type indicatorCollector struct {
	doc  Document
	seen []core.Indicator
}

func newCollector(doc Document) *indicatorCollector {
	return &indicatorCollector{doc: doc}
}

func (c *indicatorCollector) add(kind core.IndicatorKind, paths ...string) *indicatorCollector {
	for _, path := range paths {
		c.addValue(kind, c.doc.str(path))
	}
	return c
}

func (c *indicatorCollector) addValue(kind core.IndicatorKind, value string) *indicatorCollector {
	if value == "" || value == "-" {
		return c
	}
	if ind, err := core.NewIndicator(kind, value); err == nil {
		c.seen = append(c.seen, ind)
	}
	return c
}

func (c *indicatorCollector) indicators() []core.Indicator {
	return c.seen
}
