package export

import (
	"context"

	"github.com/John-Progr/MAITRE-DTs/internal/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Writer is the part of *kafka.Writer the exporter uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer holds one writer per stream.
type Producer struct {
	measurements Writer
	steps        Writer
}

func NewProducer(measurementWriter, stepWriter Writer) *Producer {
	return &Producer{measurements: measurementWriter, steps: stepWriter}
}

// NewKafkaProducer connects writers for the measurement and step topics.
func NewKafkaProducer(cfg config.KafkaConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}

	newWriter := func(topic string) *kafka.Writer {
		return kafka.NewWriter(kafka.WriterConfig{
			Brokers:      cfg.Brokers,
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: int(kafka.RequireOne),
		})
	}

	log.Info().Strs("brokers", cfg.Brokers).Str("measurement_topic", cfg.MeasurementTopic).Str("step_topic", cfg.StepTopic).Msg("kafka producer initialized")
	return NewProducer(newWriter(cfg.MeasurementTopic), newWriter(cfg.StepTopic)), nil
}

func (p *Producer) writer(s stream) Writer {
	if s == steps {
		return p.steps
	}
	return p.measurements
}

// publish writes one batch of a single stream.
func (p *Producer) publish(ctx context.Context, s stream, items []item) error {
	msgs := make([]kafka.Message, len(items))
	for i, it := range items {
		msgs[i] = kafka.Message{Key: []byte(it.key), Value: it.value}
	}
	return p.writer(s).WriteMessages(ctx, msgs...)
}

func (p *Producer) Close() error {
	log.Info().Msg("closing kafka producer")

	if err := p.measurements.Close(); err != nil {
		return err
	}
	return p.steps.Close()
}
