package ingest

import (
	"fmt"

	"warden/core"
)

// suricataMapper maps Suricata EVE JSON alert records
type suricataMapper struct{}

func (suricataMapper) Sensor() core.SensorKind { return core.SensorSuricata }

func (suricataMapper) Map(doc Document) (*Mapped, error) {
	if et := doc.str("event_type"); et != "" && et != "alert" {
		return nil, fmt.Errorf("%w: event_type %q is not an alert", core.ErrMalformedPayload, et)
	}

	ts, err := doc.timestamp("timestamp")
	if err != nil {
		return nil, err
	}
	sev, err := doc.severityAt(suricataSeverity, "alert.severity")
	if err != nil {
		return nil, err
	}

	inds := newCollector(doc).
		add(core.IndicatorIP, "src_ip", "dest_ip").
		add(core.IndicatorDomain, "dns.rrname", "http.hostname", "tls.sni").
		add(core.IndicatorHash, "fileinfo.sha256", "fileinfo.md5").
		add(core.IndicatorHost, "host").
		indicators()

	return &Mapped{
		Stream:     doc.str("in_iface"),
		Timestamp:  ts,
		Severity:   sev,
		Signature:  doc.str("alert.signature"),
		Indicators: inds,
	}, nil
}
