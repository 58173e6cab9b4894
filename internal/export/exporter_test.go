package export

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/config"
	"github.com/John-Progr/MAITRE-DTs/internal/orchestrator"
	"github.com/John-Progr/MAITRE-DTs/internal/record"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fails  int
	calls  int
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.fails > 0 {
		w.fails--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) snapshot() ([]kafka.Message, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...), w.calls
}

func fastOptions() Options {
	return Options{FlushInterval: 5 * time.Millisecond, BaseDelay: time.Millisecond}
}

func TestExporter_RoutesStreams(t *testing.T) {
	mw, sw := &fakeWriter{}, &fakeWriter{}
	e := New(NewProducer(mw, sw), fastOptions())
	e.Start()

	require.NoError(t, e.Record(context.Background(), orchestrator.Measurement{
		Source: "192.168.2.80", Destination: "192.168.2.100", RateMbps: 18.5, WirelessChannel: 6, Timestamp: 1700000000000,
	}))
	require.NoError(t, e.LogStep(record.Step{Experiment: "optimal_channel_x", Iteration: 3, ArmLabel: "11", Reward: 9, QValues: []float64{1, 2}}))

	require.Eventually(t, func() bool {
		m, _ := mw.snapshot()
		s, _ := sw.snapshot()
		return len(m) == 1 && len(s) == 1
	}, time.Second, time.Millisecond)
	e.Shutdown(context.Background())

	msgs, _ := mw.snapshot()
	var ev MeasurementEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
	assert.Equal(t, 18.5, ev.RateMbps)
	assert.Equal(t, 6, ev.WirelessChannel)
	assert.Equal(t, int64(1700000000000), ev.Timestamp.UnixMilli())
	assert.NotEmpty(t, ev.CorrelationID)
	assert.Equal(t, ev.CorrelationID, string(msgs[0].Key))

	stepMsgs, _ := sw.snapshot()
	var st StepEvent
	require.NoError(t, json.Unmarshal(stepMsgs[0].Value, &st))
	assert.Equal(t, 3, st.Iteration)
	assert.Equal(t, "11", st.ArmLabel)
	assert.Equal(t, []float64{1, 2}, st.QValues)
}

func TestExporter_RetriesFailedBatch(t *testing.T) {
	mw := &fakeWriter{fails: 2}
	e := New(NewProducer(mw, &fakeWriter{}), fastOptions())
	e.Start()
	defer e.Shutdown(context.Background())

	require.NoError(t, e.Record(context.Background(), orchestrator.Measurement{RateMbps: 1}))

	require.Eventually(t, func() bool {
		m, _ := mw.snapshot()
		return len(m) == 1
	}, time.Second, time.Millisecond)
	_, calls := mw.snapshot()
	assert.Equal(t, 3, calls)
}

func TestExporter_GivesUpAfterMaxAttempts(t *testing.T) {
	mw := &fakeWriter{fails: 100}
	opts := fastOptions()
	opts.MaxAttempts = 3
	e := New(NewProducer(mw, &fakeWriter{}), opts)
	e.Start()

	require.NoError(t, e.Record(context.Background(), orchestrator.Measurement{}))
	require.Eventually(t, func() bool {
		_, calls := mw.snapshot()
		return calls == 3
	}, time.Second, time.Millisecond)
	e.Shutdown(context.Background())

	msgs, calls := mw.snapshot()
	assert.Empty(t, msgs)
	assert.Equal(t, 3, calls)
}

func TestExporter_DropsOldestWhenFull(t *testing.T) {
	mw := &fakeWriter{}
	e := New(NewProducer(mw, &fakeWriter{}), Options{MaxQueue: 2, FlushInterval: time.Hour})

	for i := 1; i <= 3; i++ {
		require.NoError(t, e.Record(context.Background(), orchestrator.Measurement{WirelessChannel: i}))
	}

	// not started yet: shutdown drains the queue
	e.Start()
	e.Shutdown(context.Background())

	msgs, _ := mw.snapshot()
	require.Len(t, msgs, 2)
	var first MeasurementEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &first))
	assert.Equal(t, 2, first.WirelessChannel)
}

func TestProducer_Close(t *testing.T) {
	mw, sw := &fakeWriter{}, &fakeWriter{}
	require.NoError(t, NewProducer(mw, sw).Close())
	assert.True(t, mw.closed)
	assert.True(t, sw.closed)
}

func TestNewKafkaProducer_NeedsBrokers(t *testing.T) {
	_, err := NewKafkaProducer(config.KafkaConfig{MeasurementTopic: "m", StepTopic: "s"})
	assert.Error(t, err)
}
