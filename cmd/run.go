package cmd

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
	"firestige.xyz/nmsg/internal/nmsg/container"
	nmsgio "firestige.xyz/nmsg/internal/nmsg/io"
	"firestige.xyz/nmsg/internal/nmsg/module"
	"firestige.xyz/nmsg/internal/nmsgcfg"
	"firestige.xyz/nmsg/internal/log"
	"firestige.xyz/nmsg/pkg/capture"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an NMSG pipeline until interrupted or its inputs are exhausted",
	Long: `Run loads a pipeline configuration, wires its inputs and outputs, and
runs the I/O multiplexer until every input reaches end of stream.

Examples:
  nmsgtool run -c nmsg.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := nmsgcfg.Load(configFile)
		if err != nil {
			return err
		}
		log.Init(&log.LoggerConfig{
			Level:     cfg.Log.Level,
			Pattern:   cfg.Log.Pattern,
			Appenders: logAppenders(cfg.Log.Appenders),
		})
		return runPipeline(cfg)
	},
}

func runPipeline(cfg *nmsgcfg.Config) error {
	codec := container.WireCodec{}
	modules := module.NewRegistry()
	if err := modules.Register(module.RawText{}); err != nil {
		return fmt.Errorf("run: register base module: %w", err)
	}

	ctx := nmsgio.New(codec, modules)
	applyContextConfig(ctx, cfg.Context)

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	for i := range cfg.Inputs {
		in := cfg.Inputs[i]
		closeFn, err := addInput(ctx, in, codec, modules)
		if err != nil {
			return fmt.Errorf("run: input %q: %w", in.Name, err)
		}
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
	}

	for i := range cfg.Outputs {
		out := cfg.Outputs[i]
		closeFn, err := addOutput(ctx, out, codec, modules, cfg.Context.Endline, cfg.Context.Quiet)
		if err != nil {
			return fmt.Errorf("run: output %q: %w", out.Name, err)
		}
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
	}

	return ctx.Loop()
}

func applyContextConfig(ctx *nmsgio.Context, c nmsgcfg.ContextConfig) {
	switch c.OutputMode {
	case "mirror":
		ctx.SetOutputMode(nmsgio.ModeMirror)
	default:
		ctx.SetOutputMode(nmsgio.ModeStripe)
	}
	ctx.SetCount(c.Count)
	if d, _ := c.IntervalDuration(); d > 0 {
		ctx.SetInterval(d)
	}
	if c.Endline != "" {
		ctx.SetEndline(c.Endline)
	}
	ctx.SetQuiet(c.Quiet)
	ctx.SetZlibOut(c.ZlibOut)
	ctx.SetDebug(c.Debug)
	if c.Source != nil {
		ctx.SetSource(*c.Source)
	}
	if c.Operator != nil {
		ctx.SetOperator(*c.Operator)
	}
	if c.Group != nil {
		ctx.SetGroup(*c.Group)
	}
	if c.StickyHash {
		ctx.SetStickyKey(func(p *nmsgapi.Payload) string {
			return fmt.Sprintf("%d:%d", p.Vid, p.MsgType)
		})
	}
}

// logAppenders translates the pipeline config's appender list into
// internal/log's own config type, defaulting to a single console
// appender when none are configured.
func logAppenders(appenders []nmsgcfg.AppenderConfig) []log.AppenderConfig {
	if len(appenders) == 0 {
		return []log.AppenderConfig{{Type: "console"}}
	}
	out := make([]log.AppenderConfig, len(appenders))
	for i, a := range appenders {
		out[i] = log.AppenderConfig{Type: a.Type, Level: a.Level, Options: a.Options}
	}
	return out
}

// addInput wires one configured input into ctx and returns a function
// that releases whatever resource it opened (file handle, socket,
// capture source), if any.
func addInput(ctx *nmsgio.Context, in nmsgcfg.InputConfig, codec container.Codec, modules *module.Registry) (func() error, error) {
	switch in.Transport.Kind {
	case "file":
		f, err := os.Open(in.Transport.Path)
		if err != nil {
			return nil, err
		}
		switch in.Kind {
		case "presentation":
			m, _ := modules.Lookup(0, 0)
			if err := ctx.AddInputPresentation(nmsgio.NewScannerPresentationReader(f), m, in.Name); err != nil {
				f.Close()
				return nil, err
			}
		default:
			if err := ctx.AddInputNmsg(nmsgio.NewFileNmsgReader(f), in.Name); err != nil {
				f.Close()
				return nil, err
			}
		}
		return f.Close, nil

	case "datagram":
		conn, err := net.ListenPacket("udp", in.Transport.Addr)
		if err != nil {
			return nil, err
		}
		recv := func(buf []byte) (int, error) {
			n, _, err := conn.ReadFrom(buf)
			return n, err
		}
		if err := ctx.AddInputNmsg(nmsgio.NewDatagramNmsgReader(recv, codec), in.Name); err != nil {
			conn.Close()
			return nil, err
		}
		return conn.Close, nil

	case "capture":
		source, linkType, err := openCaptureSource(in.Transport.Capture)
		if err != nil {
			return nil, err
		}
		reassemblyTimeout := 60 * time.Second
		if in.Transport.Capture.ReassemblyTimeout != "" {
			if d, err := time.ParseDuration(in.Transport.Capture.ReassemblyTimeout); err == nil {
				reassemblyTimeout = d
			}
		}
		_ = linkType // recorded in the source itself; kept for future multi-linktype sources
		reader := nmsgio.NewCaptureNmsgReader(source, codec, nmsgio.CaptureConfig{
			Vid:               in.Transport.Capture.Vid,
			MsgType:           in.Transport.Capture.MsgType,
			BatchSize:         in.Transport.Capture.BatchSize,
			ReassemblyTimeout: reassemblyTimeout,
			// nmsg_ipdg_parse_pcap only ever operates on complete
			// packets; a capture input does the same.
			RequireComplete: true,
		})
		if err := ctx.AddInputNmsg(reader, in.Name); err != nil {
			source.Close()
			return nil, err
		}
		return source.Close, nil

	default:
		return nil, fmt.Errorf("unsupported input transport.kind: %s", in.Transport.Kind)
	}
}

func openCaptureSource(cfg nmsgcfg.CaptureConfig) (capture.Source, layers.LinkType, error) {
	switch cfg.Mode {
	case "live":
		src, err := capture.NewLiveSource(capture.LiveConfig{
			Interface:    cfg.Interface,
			SnapLen:      cfg.SnapLen,
			RingBufferMB: cfg.RingBufferMB,
			BPFFilter:    cfg.BPFFilter,
			FanoutID:     uint16(cfg.FanoutID),
		}, layers.LinkTypeEthernet)
		return src, layers.LinkTypeEthernet, err
	case "file":
		f, err := os.Open(cfg.Path)
		if err != nil {
			return nil, 0, err
		}
		src, err := capture.NewFileSource(f)
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		return src, layers.LinkTypeEthernet, nil
	default:
		return nil, 0, fmt.Errorf("unsupported capture.mode: %s", cfg.Mode)
	}
}

func addOutput(ctx *nmsgio.Context, out nmsgcfg.OutputConfig, codec container.Codec, modules *module.Registry, endline string, quiet bool) (func() error, error) {
	opts := nmsgio.AddOutputOptions{
		Name:          out.Name,
		VidFilter:     out.VidFilter,
		MsgTypeFilter: out.MsgFilter,
	}

	switch out.Kind {
	case "presentation":
		w, closeFn, err := openOutputWriter(out.Transport)
		if err != nil {
			return nil, err
		}
		o := nmsgio.NewPresentationOutput(w, modules, endline, quiet)
		if err := ctx.AddOutput(o, nmsgapi.SubtypePresentation, out.Name, opts); err != nil {
			closeFn()
			return nil, err
		}
		return closeFn, nil

	default:
		switch out.Transport.Kind {
		case "file":
			w, closeFn, err := openOutputWriter(out.Transport)
			if err != nil {
				return nil, err
			}
			o := nmsgio.NewNmsgFileOutput(w, codec, out.Transport.MTU, ctx.ZlibOut())
			if err := ctx.AddOutput(o, nmsgapi.SubtypeNmsg, out.Name, opts); err != nil {
				closeFn()
				return nil, err
			}
			return closeFn, nil

		case "datagram":
			conn, err := net.Dial("udp", out.Transport.Addr)
			if err != nil {
				return nil, err
			}
			o := nmsgio.NewNmsgDatagramOutput(conn, codec, out.Transport.MTU, ctx.ZlibOut())
			if err := ctx.AddOutput(o, nmsgapi.SubtypeNmsg, out.Name, opts); err != nil {
				conn.Close()
				return nil, err
			}
			return conn.Close, nil

		case "kafka":
			kcfg := out.Transport.Kafka
			batchTimeout := 100 * time.Millisecond
			if kcfg.BatchTimeout != "" {
				if d, err := time.ParseDuration(kcfg.BatchTimeout); err == nil {
					batchTimeout = d
				}
			}
			o, err := nmsgio.NewKafkaOutput(nmsgio.KafkaConfig{
				Brokers:      kcfg.Brokers,
				Topic:        kcfg.Topic,
				BatchSize:    kcfg.BatchSize,
				BatchTimeout: batchTimeout,
				Compression:  kcfg.Compression,
				MaxAttempts:  kcfg.MaxAttempts,
			}, codec)
			if err != nil {
				return nil, err
			}
			if err := ctx.AddOutput(o, nmsgapi.SubtypeNmsg, out.Name, opts); err != nil {
				o.Close()
				return nil, err
			}
			return o.Close, nil

		default:
			return nil, fmt.Errorf("unsupported output transport.kind: %s", out.Transport.Kind)
		}
	}
}

func openOutputWriter(t nmsgcfg.TransportConfig) (*os.File, func() error, error) {
	if t.Path == "" || t.Path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.OpenFile(t.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
