package export

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/orchestrator"
	"github.com/John-Progr/MAITRE-DTs/internal/record"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type publisher interface {
	publish(ctx context.Context, s stream, items []item) error
}

type Options struct {
	MaxQueue      int
	FlushInterval time.Duration
	BatchSize     int
	MaxAttempts   int
	BaseDelay     time.Duration
}

// Exporter streams measurements and learner steps to Kafka in the
// background. Enqueueing never blocks; when the queue is full the oldest
// event is dropped.
type Exporter struct {
	pub   publisher
	opts  Options
	queue chan item
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(p *Producer, opts Options) *Exporter {
	return newExporter(p, opts)
}

func newExporter(pub publisher, opts Options) *Exporter {
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 6
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Exporter{
		pub:    pub,
		opts:   opts,
		queue:  make(chan item, opts.MaxQueue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the sender loop. Call once.
func (e *Exporter) Start() {
	e.wg.Add(1)
	go e.loop()
	log.Info().Int("queue_capacity", e.opts.MaxQueue).Msg("exporter started")
}

// Shutdown stops the sender after flushing what is queued, or when ctx ends.
func (e *Exporter) Shutdown(ctx context.Context) {
	log.Info().Msg("exporter shutdown initiated")
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("exporter shutdown complete")
	case <-ctx.Done():
		log.Warn().Msg("exporter shutdown timeout")
	}
}

// Record queues a measurement.
func (e *Exporter) Record(_ context.Context, m orchestrator.Measurement) error {
	ev := MeasurementEvent{
		CorrelationID:   uuid.New().String(),
		Source:          m.Source,
		Destination:     m.Destination,
		RateMbps:        m.RateMbps,
		WirelessChannel: m.WirelessChannel,
		Timestamp:       time.UnixMilli(m.Timestamp).UTC(),
	}
	return e.enqueue(measurements, ev.CorrelationID, ev)
}

// LogStep queues a learner step.
func (e *Exporter) LogStep(s record.Step) error {
	ev := StepEvent{
		CorrelationID: uuid.New().String(),
		Experiment:    s.Experiment,
		Iteration:     s.Iteration,
		ArmIndex:      s.ArmIndex,
		ArmLabel:      s.ArmLabel,
		Reward:        s.Reward,
		QValues:       s.QValues,
		Timestamp:     s.Timestamp.UTC(),
	}
	return e.enqueue(steps, ev.CorrelationID, ev)
}

func (e *Exporter) enqueue(s stream, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	it := item{stream: s, key: key, value: data}

	select {
	case e.queue <- it:
		return nil
	default:
	}

	// queue full: drop the oldest and retry once
	select {
	case <-e.queue:
		log.Warn().Str("stream", s.String()).Msg("export queue full, dropped oldest event")
	default:
	}
	select {
	case e.queue <- it:
	default:
		log.Warn().Str("stream", s.String()).Msg("event dropped: queue full")
	}
	return nil
}

func (e *Exporter) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()

	buffer := make([]item, 0, e.opts.BatchSize)

	for {
		select {
		case <-e.ctx.Done():
			for {
				select {
				case it := <-e.queue:
					buffer = append(buffer, it)
				default:
					if len(buffer) > 0 {
						e.flush(buffer)
					}
					return
				}
			}

		case it := <-e.queue:
			buffer = append(buffer, it)
			if len(buffer) >= e.opts.BatchSize {
				e.flush(buffer)
				buffer = buffer[:0]
			}

		case <-ticker.C:
			if len(buffer) > 0 {
				e.flush(buffer)
				buffer = buffer[:0]
			}
		}
	}
}

// flush publishes buffer, one batch per stream.
func (e *Exporter) flush(buffer []item) {
	var byStream [2][]item
	for _, it := range buffer {
		byStream[it.stream] = append(byStream[it.stream], it)
	}
	for s, items := range byStream {
		if len(items) > 0 {
			e.flushWithRetry(stream(s), items)
		}
	}
}

// flushWithRetry retries with exponential backoff plus jitter. Once shutdown
// has begun a failing batch is dropped instead of retried.
func (e *Exporter) flushWithRetry(s stream, items []item) {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := e.pub.publish(ctx, s, items)
		cancel()
		if err == nil {
			log.Debug().Int("count", len(items)).Str("stream", s.String()).Str("correlation", items[0].key).Msg("events exported")
			return
		}

		log.Warn().Err(err).Int("attempt", attempt).Int("count", len(items)).Str("stream", s.String()).Msg("export failed, will retry")

		if attempt >= e.opts.MaxAttempts {
			log.Error().Int("attempts", attempt).Str("stream", s.String()).Msg("max attempts reached, dropping batch")
			return
		}

		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * e.opts.BaseDelay
		jitter := time.Duration(rand.Int63n(int64(e.opts.BaseDelay)))

		select {
		case <-time.After(backoff + jitter):
		case <-e.ctx.Done():
			log.Warn().Str("stream", s.String()).Int("count", len(items)).Msg("exporter stopping, dropping batch")
			return
		}
	}
}
