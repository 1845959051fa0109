package ingest

import (
	"fmt"
	"math"
	"strings"

	"warden/core"
)

// severityTable maps a sensor's own severity vocabulary onto core severities
type severityTable struct {
	names  map[string]core.Severity
	levels []levelRange
}

type levelRange struct {
	min, max int
	severity core.Severity
}

// nameSeverities is shared by sensors that emit severity names
var nameSeverities = map[string]core.Severity{
	"info":          core.SeverityInfo,
	"informational": core.SeverityInfo,
	"low":           core.SeverityLow,
	"medium":        core.SeverityMedium,
	"moderate":      core.SeverityMedium,
	"warning":       core.SeverityMedium,
	"high":          core.SeverityHigh,
	"critical":      core.SeverityCritical,
}

var (
	// Suricata alert.severity: 1 is the most severe
	suricataSeverity = severityTable{levels: []levelRange{
		{1, 1, core.SeverityHigh},
		{2, 2, core.SeverityMedium},
		{3, 3, core.SeverityLow},
		{4, 4, core.SeverityInfo},
	}}

	// Wazuh rule.level runs 0-15
	wazuhSeverity = severityTable{levels: []levelRange{
		{0, 3, core.SeverityInfo},
		{4, 7, core.SeverityLow},
		{8, 11, core.SeverityMedium},
		{12, 14, core.SeverityHigh},
		{15, 15, core.SeverityCritical},
	}}

	namedSeverity = severityTable{names: nameSeverities}
)

// fromValue maps a raw severity. A nil raw value means the sensor gave none and yields MEDIUM;
// anything outside the table is a malformed payload rather than a guess.
func (t severityTable) fromValue(raw interface{}) (core.Severity, error) {
	if raw == nil {
		return core.SeverityMedium, nil
	}
	if s, ok := raw.(string); ok {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return core.SeverityMedium, nil
		}
		if sev, ok := t.names[s]; ok {
			return sev, nil
		}
		if t.levels == nil {
			return "", fmt.Errorf("%w: unknown severity %q", core.ErrMalformedPayload, s)
		}
	}
	if t.levels == nil {
		return "", fmt.Errorf("%w: unknown severity %v", core.ErrMalformedPayload, raw)
	}

	f, err := toFloat(raw)
	if err != nil || f != math.Trunc(f) {
		return "", fmt.Errorf("%w: unknown severity %v", core.ErrMalformedPayload, raw)
	}
	level := int(f)
	for _, r := range t.levels {
		if level >= r.min && level <= r.max {
			return r.severity, nil
		}
	}
	return "", fmt.Errorf("%w: severity level %d out of range", core.ErrMalformedPayload, level)
}

// severityAt reads the severity field at path through the table
func (d Document) severityAt(t severityTable, path string) (core.Severity, error) {
	v, _ := d.lookup(path)
	return t.fromValue(v)
}
