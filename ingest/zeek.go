package ingest

import "warden/core"

// zeekMapper maps Zeek notice.log records in JSON form
type zeekMapper struct{}

func (zeekMapper) Sensor() core.SensorKind { return core.SensorZeek }

func (zeekMapper) Map(doc Document) (*Mapped, error) {
	ts, err := doc.timestamp("ts")
	if err != nil {
		return nil, err
	}
	// notices carry no severity unless a local script adds one
	sev, err := doc.severityAt(namedSeverity, "severity")
	if err != nil {
		return nil, err
	}

	inds := newCollector(doc).
		add(core.IndicatorIP, "id.orig_h", "id.resp_h", "src", "dst").
		add(core.IndicatorDomain, "sub_domain").
		add(core.IndicatorHash, "file_sha256").
		indicators()

	return &Mapped{
		EventID:    doc.str("uid"),
		Stream:     doc.str("peer_descr"),
		Timestamp:  ts,
		Severity:   sev,
		Signature:  doc.str("note"),
		Indicators: inds,
	}, nil
}
