package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socops/ingestcore/internal/ingestion/model"
)

type recordingSink struct {
	envelopes []Envelope
}

func (r *recordingSink) Emit(e Envelope) { r.envelopes = append(r.envelopes, e) }

func TestBaseStartsDisabled(t *testing.T) {
	b := NewBase(1, "conn", model.ConnectorAPI, nil)
	assert.Equal(t, StatusDisabled, b.Status())
}

func TestSetActiveResetsConsecutiveErrors(t *testing.T) {
	b := NewBase(1, "conn", model.ConnectorAPI, nil)
	b.SetError("boom")
	b.SetError("boom again")
	assert.Equal(t, 2, b.ConsecutiveErrors())

	b.SetActive()
	assert.Equal(t, 0, b.ConsecutiveErrors())
	assert.Equal(t, StatusActive, b.Status())
}

func TestAutoDisableAfterFiveConsecutiveErrors(t *testing.T) {
	sink := &recordingSink{}
	b := NewBase(1, "conn", model.ConnectorAPI, sink)
	b.SetActive()

	for i := 0; i < 4; i++ {
		b.SetError("failure")
		assert.Equal(t, StatusError, b.Status())
	}
	b.SetError("fifth failure")
	assert.Equal(t, StatusDisabled, b.Status())

	var sawAutoDisable bool
	for _, e := range sink.envelopes {
		if e.Kind == KindStatusChange && e.Status == StatusDisabled {
			sawAutoDisable = true
			assert.Contains(t, e.Message, "auto-disabled")
		}
	}
	assert.True(t, sawAutoDisable)
}

func TestPauseResumeTransitions(t *testing.T) {
	b := NewBase(1, "conn", model.ConnectorAPI, nil)
	b.SetActive()
	b.SetPaused()
	assert.Equal(t, StatusPaused, b.Status())
	b.SetActive()
	assert.Equal(t, StatusActive, b.Status())
}

func TestEmitEventAndErrorRecordMetrics(t *testing.T) {
	sink := &recordingSink{}
	b := NewBase(1, "conn", model.ConnectorAPI, sink)

	b.EmitEvent(model.RawEvent{ID: "e1"})
	b.EmitError(assert.AnError)

	m := b.SnapshotMetrics()
	assert.Equal(t, float64(1), m.EventsPerMinute)
	assert.Equal(t, float64(1), m.ErrorsPerMinute)

	var gotEvent, gotErr bool
	for _, e := range sink.envelopes {
		switch e.Kind {
		case KindEvent:
			gotEvent = true
			require.NotNil(t, e.RawEvent)
			assert.Equal(t, "e1", e.RawEvent.ID)
		case KindError:
			gotErr = true
		}
	}
	assert.True(t, gotEvent)
	assert.True(t, gotErr)
}

func TestUptimeZeroWhenNotActive(t *testing.T) {
	b := NewBase(1, "conn", model.ConnectorAPI, nil)
	assert.Equal(t, time.Duration(0), b.Uptime())
}

func TestUptimePositiveWhenActive(t *testing.T) {
	b := NewBase(1, "conn", model.ConnectorAPI, nil)
	b.SetActive()
	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, b.Uptime(), time.Duration(0))
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	sink := NewChannelSink(1)
	sink.Emit(Envelope{Kind: KindEvent})
	sink.Emit(Envelope{Kind: KindEvent}) // dropped, buffer full

	select {
	case <-sink.Events():
	default:
		t.Fatal("expected one buffered envelope")
	}
	select {
	case <-sink.Events():
		t.Fatal("expected channel to be empty after one drain")
	default:
	}
}

func TestRecordLatencyAverages(t *testing.T) {
	b := NewBase(1, "conn", model.ConnectorAPI, nil)
	b.RecordLatency(10 * time.Millisecond)
	b.RecordLatency(20 * time.Millisecond)
	m := b.SnapshotMetrics()
	assert.Equal(t, 15*time.Millisecond, m.AvgLatency)
}
