package io

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
	"firestige.xyz/nmsg/internal/nmsg/container"
)

const (
	defaultKafkaBatchSize    = 100
	defaultKafkaBatchTimeout = 100 * time.Millisecond
	defaultKafkaCompression  = "snappy"
	defaultKafkaMaxAttempts  = 3
)

// KafkaConfig configures a KafkaOutput's underlying writer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	Compression  string // none|gzip|snappy|lz4
	MaxAttempts  int
}

func (c *KafkaConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultKafkaBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultKafkaBatchTimeout
	}
	if c.Compression == "" {
		c.Compression = defaultKafkaCompression
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultKafkaMaxAttempts
	}
}

func compressionCodec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	default:
		return nil, fmt.Errorf("io: invalid kafka compression %q", name)
	}
}

// KafkaOutput batches payloads into an encoded container and publishes
// each batch as one Kafka message, an alternate transport for the same
// "file stream" output kind NmsgFileOutput serves over a plain
// io.Writer.
type KafkaOutput struct {
	writer *kafka.Writer
	codec  container.Codec
	config KafkaConfig

	pending     []*nmsgapi.Payload
	containerID uint32
}

// NewKafkaOutput builds a KafkaOutput, validating cfg and constructing
// the underlying kafka.Writer with a hash balancer so payloads sharing a
// key land on the same partition.
func NewKafkaOutput(cfg KafkaConfig, codec container.Codec) (*KafkaOutput, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("io: kafka output requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("io: kafka output requires a topic")
	}
	cfg.setDefaults()

	codecImpl, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{},
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		CompressionCodec: codecImpl,
		Async:            false,
	})

	return &KafkaOutput{writer: writer, codec: codec, config: cfg}, nil
}

var _ Output = (*KafkaOutput)(nil)

func (o *KafkaOutput) Append(p *nmsgapi.Payload) error {
	o.pending = append(o.pending, p)
	if len(o.pending) >= o.config.BatchSize {
		return o.Flush()
	}
	return nil
}

func (o *KafkaOutput) Flush() error {
	if len(o.pending) == 0 {
		return nil
	}

	body := o.codec.EncodeContainer(o.pending, 0)
	first := o.pending[0]
	o.containerID++

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d:%d", first.Vid, first.MsgType)),
		Value: body,
		Time:  time.Unix(int64(first.TimeSec), int64(first.TimeNsec)),
	}

	if err := o.writer.WriteMessages(context.Background(), msg); err != nil {
		return fmt.Errorf("io: kafka write failed: %w", err)
	}

	o.pending = o.pending[:0]
	return nil
}

func (o *KafkaOutput) Close() error {
	if err := o.Flush(); err != nil {
		return err
	}
	return o.writer.Close()
}
