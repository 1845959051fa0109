package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testEnriched(t *testing.T, id string, at time.Time, sev Severity, inds ...Indicator) *EnrichedEvent {
	t.Helper()
	ev, err := NewEvent(EventParams{ID: id, Sensor: SensorSuricata, Timestamp: at, Severity: sev, Indicators: inds})
	require.NoError(t, err)
	return &EnrichedEvent{Event: ev, Enrichment: map[string]Enrichment{}}
}

func TestNewEvent_Validation(t *testing.T) {
	ip := mustIndicator(t, IndicatorIP, "1.2.3.4")

	_, err := NewEvent(EventParams{ID: "e1", Sensor: SensorYara, Indicators: []Indicator{ip}})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = NewEvent(EventParams{ID: "e1", Sensor: SensorYara, Timestamp: baseTime})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	local := time.FixedZone("UTC+2", 2*3600)
	ev, err := NewEvent(EventParams{ID: "e1", Sensor: SensorYara, Timestamp: baseTime.In(local), Indicators: []Indicator{ip, ip}})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ev.Timestamp().Location())
	assert.Equal(t, SeverityMedium, ev.Severity(), "missing severity defaults to MEDIUM")
	assert.Len(t, ev.Indicators(), 1)
	assert.Equal(t, "yara", ev.Stream())
	assert.NotEmpty(t, ev.Fingerprint())
}

func TestEvent_IndicatorsAreCopied(t *testing.T) {
	ee := testEnriched(t, "e1", baseTime, SeverityLow, mustIndicator(t, IndicatorIP, "1.2.3.4"))
	inds := ee.Event.Indicators()
	inds[0].Value = "9.9.9.9"
	assert.Equal(t, "1.2.3.4", ee.Event.Indicators()[0].Value)
}

func TestIncident_AttachRaisesSeverityAndExtendsWindow(t *testing.T) {
	ip := mustIndicator(t, IndicatorIP, "1.2.3.4")
	user := mustIndicator(t, IndicatorUser, "bob")

	inc := NewIncident("inc-1", testEnriched(t, "a", baseTime, SeverityMedium, ip), baseTime)
	require.Equal(t, IncidentOpen, inc.Status)

	require.NoError(t, inc.AttachEvent(testEnriched(t, "b", baseTime.Add(10*time.Minute), SeverityHigh, ip, user), baseTime))

	assert.Equal(t, SeverityHigh, inc.Severity)
	assert.Equal(t, []string{"a", "b"}, inc.EventIDs)
	assert.Len(t, inc.Indicators, 2)
	assert.Equal(t, baseTime.Add(10*time.Minute), inc.LastEventAt)
	assert.Equal(t, TransitionEventAttached, inc.History[len(inc.History)-1].Kind)

	err := inc.AttachEvent(testEnriched(t, "b", baseTime, SeverityLow, ip), baseTime)
	assert.ErrorIs(t, err, ErrEventAlreadyAssigned)
}

func TestIncident_InWindowIsStrict(t *testing.T) {
	ip := mustIndicator(t, IndicatorIP, "1.2.3.4")
	inc := NewIncident("inc-1", testEnriched(t, "a", baseTime, SeverityLow, ip), baseTime)
	window := 30 * time.Minute

	assert.True(t, inc.InWindow(baseTime.Add(29*time.Minute), window))
	assert.False(t, inc.InWindow(baseTime.Add(30*time.Minute), window))
	assert.True(t, inc.InWindow(baseTime.Add(-29*time.Minute), window), "late arrivals with earlier timestamps still match")
	assert.False(t, inc.InWindow(baseTime.Add(-31*time.Minute), window))
}

func TestIncident_MergeRecordsBothSides(t *testing.T) {
	ip := mustIndicator(t, IndicatorIP, "1.2.3.4")
	dom := mustIndicator(t, IndicatorDomain, "evil.com")

	target := NewIncident("inc-a", testEnriched(t, "a", baseTime, SeverityLow, ip), baseTime)
	src := NewIncident("inc-b", testEnriched(t, "b", baseTime.Add(time.Minute), SeverityCritical, dom), baseTime.Add(time.Minute))
	src.RecordDuplicate("b2", baseTime)

	target.AbsorbMerge(src, baseTime.Add(2*time.Minute))
	src.MarkMergedInto(target.ID, baseTime.Add(2*time.Minute))

	assert.Equal(t, []string{"a", "b"}, target.EventIDs)
	assert.Equal(t, SeverityCritical, target.Severity)
	assert.Equal(t, 1, target.DuplicateCount)
	assert.Len(t, target.Indicators, 2)

	last := target.History[len(target.History)-1]
	assert.Equal(t, TransitionMergedFrom, last.Kind)
	assert.Equal(t, "inc-b", last.IncidentID)

	assert.Equal(t, IncidentClosed, src.Status)
	assert.Equal(t, "inc-a", src.MergedInto)
	assert.Empty(t, src.EventIDs)
	srcLast := src.History[len(src.History)-1]
	assert.Equal(t, TransitionMergedInto, srcLast.Kind)
	assert.Equal(t, []string{"b"}, srcLast.EventIDs)

	err := src.Reopen("analyst", "", baseTime)
	assert.ErrorIs(t, err, ErrInvalidTransition, "merged incidents cannot be reopened")
}

func TestIncident_Lifecycle(t *testing.T) {
	ip := mustIndicator(t, IndicatorIP, "1.2.3.4")
	inc := NewIncident("inc-1", testEnriched(t, "a", baseTime, SeverityLow, ip), baseTime)

	require.NoError(t, inc.TransitionTo(IncidentEnriching, "system", "", baseTime))
	require.NoError(t, inc.TransitionTo(IncidentTriaged, "system", "", baseTime))
	assert.ErrorIs(t, inc.TransitionTo(IncidentEnriching, "system", "", baseTime), ErrInvalidTransition)
	require.NoError(t, inc.TransitionTo(IncidentResponding, "executor", "", baseTime))
	assert.ErrorIs(t, inc.TransitionTo(IncidentOpen, "analyst", "", baseTime), ErrInvalidTransition)
	require.NoError(t, inc.TransitionTo(IncidentClosed, "analyst", "remediated", baseTime))
	assert.True(t, inc.IsFinalState())
	assert.Empty(t, inc.GetAllowedTransitions())

	assert.ErrorIs(t, inc.Reopen("", "", baseTime), ErrInvalidTransition)
	require.NoError(t, inc.Reopen("analyst", "new evidence", baseTime))
	assert.Equal(t, IncidentOpen, inc.Status)

	for n, tr := range inc.History {
		assert.Equal(t, n+1, tr.Seq, "history sequence is dense")
	}
}

func TestIncident_EnrichmentMergeKeepsKnownResults(t *testing.T) {
	ip := mustIndicator(t, IndicatorIP, "1.2.3.4")
	ee := testEnriched(t, "a", baseTime, SeverityLow, ip)
	ee.Enrichment[ip.Key()] = Enrichment{Indicator: ip, Status: EnrichmentFound, Reputation: 90}
	inc := NewIncident("inc-1", ee, baseTime)

	inc.UpdateEnrichment(map[string]Enrichment{ip.Key(): {Indicator: ip, Status: EnrichmentUnavailable}}, baseTime)
	assert.Equal(t, EnrichmentFound, inc.Enrichment[ip.Key()].Status)
	assert.Empty(t, inc.UnavailableIndicators())
}

func TestIncident_CloneIsDeep(t *testing.T) {
	ip := mustIndicator(t, IndicatorIP, "1.2.3.4")
	inc := NewIncident("inc-1", testEnriched(t, "a", baseTime, SeverityLow, ip), baseTime)
	cp := inc.Clone()
	cp.EventIDs[0] = "zzz"
	cp.History[0].EventIDs[0] = "zzz"
	assert.Equal(t, "a", inc.EventIDs[0])
	assert.Equal(t, "a", inc.History[0].EventIDs[0])
}

func TestOldestFirst(t *testing.T) {
	incs := []*Incident{
		{ID: "c", CreatedAt: baseTime.Add(time.Minute)},
		{ID: "b", CreatedAt: baseTime},
		{ID: "a", CreatedAt: baseTime},
	}
	OldestFirst(incs)
	assert.Equal(t, "a", incs[0].ID)
	assert.Equal(t, "b", incs[1].ID)
	assert.Equal(t, "c", incs[2].ID)
}

func TestRunKey(t *testing.T) {
	ip := mustIndicator(t, IndicatorIP, "1.2.3.4")
	k1 := NewRunKey("inc", "contain", NewIndicatorSet(ip))
	k2 := NewRunKey("inc", "contain", NewIndicatorSet(ip, ip))
	assert.Equal(t, k1, k2)
	assert.Equal(t, "inc/contain", k1.SlotKey())

	run := &PlaybookRun{Status: RunFailed, Attempts: 1, MaxAttempts: 3}
	assert.True(t, run.CanRetry())
	run.Attempts = 3
	assert.False(t, run.CanRetry())
}
