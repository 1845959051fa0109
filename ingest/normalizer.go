package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"warden/core"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding is the wire format of a raw payload body
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

// eventNamespace seeds deterministic event IDs derived from payload content
var eventNamespace = uuid.MustParse("8f0c5b0e-6f5a-4c1e-9a57-3b8e2f1d7c42")

// RawPayload is one sensor record as received, tagged with its sensor kind
type RawPayload struct {
	Sensor   core.SensorKind
	Stream   string
	Encoding Encoding
	Body     []byte
	// RawRef points at where the raw record is archived; defaults to a content hash
	RawRef string
}

// Mapped is the sensor-independent result of a field mapper.
// Stream is the sensor-local stream id (interface, agent, client) when the payload carries one.
type Mapped struct {
	EventID    string
	Stream     string
	Timestamp  time.Time
	Severity   core.Severity
	Signature  string
	Indicators []core.Indicator
	RawRef     string
}

// FieldMapper converts one sensor family's payload into Mapped fields
type FieldMapper interface {
	Sensor() core.SensorKind
	Map(doc Document) (*Mapped, error)
}

// Normalizer dispatches raw payloads to the mapper registered for their sensor kind.
// Normalize has no side effects; the same payload always yields the same event.
type Normalizer struct {
	mu      sync.RWMutex
	mappers map[core.SensorKind]FieldMapper
}

// NewNormalizer creates a normalizer with the built-in sensor mappers
func NewNormalizer() *Normalizer {
	n := &Normalizer{mappers: make(map[core.SensorKind]FieldMapper)}
	n.Register(suricataMapper{})
	n.Register(wazuhMapper{})
	n.Register(yaraMapper{})
	n.Register(zeekMapper{})
	n.Register(velociraptorMapper{})
	n.Register(newCanonicalMapper())
	return n
}

// Register adds or replaces the mapper for its sensor kind
func (n *Normalizer) Register(m FieldMapper) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mappers[m.Sensor()] = m
}

// Sensors lists the registered sensor kinds
func (n *Normalizer) Sensors() []core.SensorKind {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]core.SensorKind, 0, len(n.mappers))
	for k := range n.mappers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Normalize converts a raw payload into an Event.
// Unknown sensors fail with ErrUnsupportedSource, missing timestamp or indicators with ErrMalformedPayload.
func (n *Normalizer) Normalize(p RawPayload) (*core.Event, error) {
	n.mu.RLock()
	mapper, ok := n.mappers[p.Sensor]
	n.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnsupportedSource, p.Sensor)
	}

	doc, err := decodeBody(p.Encoding, p.Body)
	if err != nil {
		return nil, err
	}

	mapped, err := mapper.Map(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Sensor, err)
	}
	if len(mapped.Indicators) == 0 {
		return nil, fmt.Errorf("%s: %w: no indicators", p.Sensor, core.ErrMalformedPayload)
	}

	id := mapped.EventID
	if id == "" {
		id = uuid.NewSHA1(eventNamespace, append([]byte(p.Sensor+"\x00"), p.Body...)).String()
	}
	stream := p.Stream
	if stream == "" && mapped.Stream != "" {
		stream = string(p.Sensor) + "/" + mapped.Stream
	}
	rawRef := p.RawRef
	if rawRef == "" {
		rawRef = mapped.RawRef
	}
	if rawRef == "" {
		sum := sha256.Sum256(p.Body)
		rawRef = "sha256:" + hex.EncodeToString(sum[:])
	}

	ev, err := core.NewEvent(core.EventParams{
		ID:         id,
		Sensor:     p.Sensor,
		Stream:     stream,
		Timestamp:  mapped.Timestamp,
		Severity:   mapped.Severity,
		Signature:  mapped.Signature,
		Indicators: mapped.Indicators,
		RawRef:     rawRef,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Sensor, err)
	}
	return ev, nil
}

func decodeBody(enc Encoding, body []byte) (Document, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", core.ErrMalformedPayload)
	}

	doc := Document{}
	switch enc {
	case EncodingMsgpack:
		var m map[string]interface{}
		if err := msgpack.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("%w: msgpack decode: %v", core.ErrMalformedPayload, err)
		}
		for k, v := range m {
			doc[k] = v
		}
	case EncodingJSON, "":
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: json decode: %v", core.ErrMalformedPayload, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", core.ErrMalformedPayload, enc)
	}
	return doc, nil
}
