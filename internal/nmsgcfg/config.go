// Package nmsgcfg loads the static configuration of an nmsg pipeline
// from YAML via viper, the way internal/config loads the teacher's
// capture-agent configuration: a root wrapper key, mapstructure tags,
// environment-variable overrides, and a post-unmarshal validation pass.
package nmsgcfg

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level static configuration for an nmsg pipeline
// process, maps to the `nmsg:` root key in YAML.
type Config struct {
	Context ContextConfig  `mapstructure:"context"`
	Inputs  []InputConfig  `mapstructure:"inputs"`
	Outputs []OutputConfig `mapstructure:"outputs"`
	Log     LogConfig      `mapstructure:"log"`
}

// ContextConfig carries the process-wide policy knobs spec.md §6 lists
// under "Configuration (context)".
type ContextConfig struct {
	OutputMode string  `mapstructure:"output_mode"` // stripe | mirror
	Count      int     `mapstructure:"count"`
	Interval   string  `mapstructure:"interval"` // parsed with time.ParseDuration
	Endline    string  `mapstructure:"endline"`
	Quiet      bool    `mapstructure:"quiet"`
	ZlibOut    bool    `mapstructure:"zlibout"`
	Debug      int     `mapstructure:"debug"`
	Source     *uint32 `mapstructure:"source"`
	Operator   *uint32 `mapstructure:"operator"`
	Group      *uint32 `mapstructure:"group"`
	StickyHash bool    `mapstructure:"sticky_hash"`
}

// IntervalDuration parses ContextConfig.Interval, returning 0 when unset.
func (c ContextConfig) IntervalDuration() (time.Duration, error) {
	if c.Interval == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Interval)
}

// InputConfig describes one reader the I/O context should wire in.
type InputConfig struct {
	Name      string          `mapstructure:"name"`
	Kind      string          `mapstructure:"kind"` // nmsg | presentation
	Transport TransportConfig `mapstructure:"transport"`
	Module    string          `mapstructure:"module"` // not read by cmd: presentation inputs always use the vid 0/msgtype 0 module
}

// OutputConfig describes one writer the I/O context should wire in.
type OutputConfig struct {
	Name      string          `mapstructure:"name"`
	Kind      string          `mapstructure:"kind"` // nmsg | presentation (cmd treats any other value as nmsg)
	Transport TransportConfig `mapstructure:"transport"`
	VidFilter *uint32         `mapstructure:"vid_filter"`
	MsgFilter *uint32         `mapstructure:"msgtype_filter"`
}

// TransportConfig selects and configures the underlying byte transport
// for an input or output: a plain file, a datagram socket, (outputs
// only) Kafka, or (inputs only) a packet capture source.
type TransportConfig struct {
	Kind    string        `mapstructure:"kind"` // file | datagram | kafka | capture
	Path    string        `mapstructure:"path"`
	Addr    string        `mapstructure:"addr"`
	MTU     int           `mapstructure:"mtu"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Capture CaptureConfig `mapstructure:"capture"`
}

// CaptureConfig configures a live or offline packet capture input,
// which is fed through reassembly and transport parsing (package ipdg)
// before it reaches the I/O multiplexer as NMSG payloads.
type CaptureConfig struct {
	Mode         string `mapstructure:"mode"` // live | file
	Interface    string `mapstructure:"interface"`
	SnapLen      int    `mapstructure:"snaplen"`
	RingBufferMB int    `mapstructure:"ring_buffer_mb"`
	BPFFilter    string `mapstructure:"bpf_filter"`
	FanoutID     int    `mapstructure:"fanout_id"`
	Path         string `mapstructure:"path"` // offline capture file, mode=file
	Vid          uint32 `mapstructure:"vid"`
	MsgType      uint32 `mapstructure:"msgtype"`
	BatchSize    int    `mapstructure:"batch_size"`
	ReassemblyTimeout string `mapstructure:"reassembly_timeout"`
}

// KafkaConfig mirrors the teacher's plugins/reporter/kafka Config, minus
// the OutputPacket-specific fields that belong to a different domain.
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	BatchSize    int      `mapstructure:"batch_size"`
	BatchTimeout string   `mapstructure:"batch_timeout"`
	Compression  string   `mapstructure:"compression"`
	MaxAttempts  int      `mapstructure:"max_attempts"`
}

// LogConfig configures the shared logrus-backed logger (package
// internal/log): level, message pattern, and the appender chain. A
// pipeline process always logs to stdout when no appenders are given.
type LogConfig struct {
	Level     string           `mapstructure:"level"`
	Pattern   string           `mapstructure:"pattern"`
	Appenders []AppenderConfig `mapstructure:"appenders"`
}

// AppenderConfig selects one destination for log output, mirroring
// internal/log.AppenderConfig's shape so nmsgcfg stays independent of
// the logging package's own YAML tags.
type AppenderConfig struct {
	Type    string                 `mapstructure:"type"` // console | file | kafka
	Level   string                 `mapstructure:"level"`
	Options map[string]interface{} `mapstructure:"options"`
}

type configRoot struct {
	Nmsg Config `mapstructure:"nmsg"`
}

// Load reads path as YAML, applies defaults and NMSG_-prefixed
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("nmsgcfg: read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("nmsgcfg: unmarshal config: %w", err)
	}
	cfg := root.Nmsg

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("nmsgcfg: validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("nmsg.context.output_mode", "stripe")
	v.SetDefault("nmsg.context.endline", "\\\n")
	v.SetDefault("nmsg.log.level", "info")
}

func (cfg *Config) validate() error {
	switch cfg.Context.OutputMode {
	case "stripe", "mirror", "":
	default:
		return fmt.Errorf("invalid context.output_mode: %s (must be stripe/mirror)", cfg.Context.OutputMode)
	}
	if _, err := cfg.Context.IntervalDuration(); err != nil {
		return fmt.Errorf("invalid context.interval: %w", err)
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error", "trace", "fatal", "panic", "":
	default:
		return fmt.Errorf("invalid log.level: %s", cfg.Log.Level)
	}

	for i := range cfg.Inputs {
		if err := validateTransport(cfg.Inputs[i].Transport); err != nil {
			return fmt.Errorf("inputs[%d]: %w", i, err)
		}
	}
	for i := range cfg.Outputs {
		if err := validateTransport(cfg.Outputs[i].Transport); err != nil {
			return fmt.Errorf("outputs[%d]: %w", i, err)
		}
	}
	return nil
}

func validateTransport(t TransportConfig) error {
	switch t.Kind {
	case "file":
		if t.Path == "" {
			return fmt.Errorf("transport.kind=file requires path")
		}
	case "datagram":
		if t.Addr == "" {
			return fmt.Errorf("transport.kind=datagram requires addr")
		}
	case "kafka":
		if len(t.Kafka.Brokers) == 0 {
			return fmt.Errorf("transport.kind=kafka requires kafka.brokers")
		}
		if t.Kafka.Topic == "" {
			return fmt.Errorf("transport.kind=kafka requires kafka.topic")
		}
	case "capture":
		switch t.Capture.Mode {
		case "live":
			if t.Capture.Interface == "" {
				return fmt.Errorf("transport.kind=capture mode=live requires capture.interface")
			}
		case "file":
			if t.Capture.Path == "" {
				return fmt.Errorf("transport.kind=capture mode=file requires capture.path")
			}
		default:
			return fmt.Errorf("invalid capture.mode: %s (must be live/file)", t.Capture.Mode)
		}
		if t.Capture.ReassemblyTimeout != "" {
			if _, err := time.ParseDuration(t.Capture.ReassemblyTimeout); err != nil {
				return fmt.Errorf("invalid capture.reassembly_timeout: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown transport.kind: %s", t.Kind)
	}
	return nil
}
