package ingest

import "warden/core"

// wazuhMapper maps Wazuh host IDS alerts (alerts.json)
type wazuhMapper struct{}

func (wazuhMapper) Sensor() core.SensorKind { return core.SensorWazuh }

func (wazuhMapper) Map(doc Document) (*Mapped, error) {
	ts, err := doc.timestamp("timestamp", "@timestamp")
	if err != nil {
		return nil, err
	}
	sev, err := doc.severityAt(wazuhSeverity, "rule.level")
	if err != nil {
		return nil, err
	}

	inds := newCollector(doc).
		add(core.IndicatorHost, "agent.name").
		add(core.IndicatorIP, "agent.ip", "data.srcip", "data.dstip").
		add(core.IndicatorUser, "data.srcuser", "data.dstuser", "data.win.eventdata.targetUserName").
		add(core.IndicatorHash, "syscheck.sha256_after", "syscheck.md5_after").
		indicators()

	return &Mapped{
		EventID:    doc.str("id"),
		Stream:     doc.str("agent.id"),
		Timestamp:  ts,
		Severity:   sev,
		Signature:  doc.str("rule.description"),
		Indicators: inds,
	}, nil
}
