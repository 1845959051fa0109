package ingest

import "warden/core"

// yaraMapper maps YARA scan hits emitted by file scanners
type yaraMapper struct{}

func (yaraMapper) Sensor() core.SensorKind { return core.SensorYara }

func (yaraMapper) Map(doc Document) (*Mapped, error) {
	ts, err := doc.timestamp("timestamp", "scan_time")
	if err != nil {
		return nil, err
	}
	sev, err := doc.severityAt(namedSeverity, "meta.severity")
	if err != nil {
		return nil, err
	}

	inds := newCollector(doc).
		add(core.IndicatorHash, "file.sha256", "file.md5").
		add(core.IndicatorHost, "host").
		add(core.IndicatorUser, "file.owner").
		indicators()

	return &Mapped{
		Stream:     doc.str("host"),
		Timestamp:  ts,
		Severity:   sev,
		Signature:  doc.str("rule"),
		Indicators: inds,
	}, nil
}
