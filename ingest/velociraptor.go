package ingest

import "warden/core"

// velociraptorMapper maps Velociraptor hunt result rows forwarded by the server
type velociraptorMapper struct{}

func (velociraptorMapper) Sensor() core.SensorKind { return core.SensorVelociraptor }

func (velociraptorMapper) Map(doc Document) (*Mapped, error) {
	ts, err := doc.timestamp("Timestamp", "_ts")
	if err != nil {
		return nil, err
	}
	sev, err := doc.severityAt(namedSeverity, "Severity")
	if err != nil {
		return nil, err
	}

	inds := newCollector(doc).
		add(core.IndicatorHost, "Fqdn").
		add(core.IndicatorUser, "Username").
		add(core.IndicatorIP, "RemoteAddr").
		add(core.IndicatorHash, "SHA256", "Hash.SHA256").
		indicators()

	return &Mapped{
		Stream:     doc.str("ClientId"),
		Timestamp:  ts,
		Severity:   sev,
		Signature:  doc.str("Artifact"),
		Indicators: inds,
	}, nil
}
