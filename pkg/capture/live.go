package capture

import (
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"firestige.xyz/nmsg/internal/nmsg/link"
)

const (
	defaultSnapLen      = 65536
	defaultRingBufferMB = 8
	defaultPollTimeout  = 100 * time.Millisecond
)

// LiveConfig configures a LiveSource's AF_PACKET ring buffer.
type LiveConfig struct {
	Interface    string
	SnapLen      int
	RingBufferMB int
	BPFFilter    string
	FanoutID     uint16
	PollTimeout  time.Duration
}

func (c *LiveConfig) setDefaults() {
	if c.SnapLen <= 0 {
		c.SnapLen = defaultSnapLen
	}
	if c.RingBufferMB <= 0 {
		c.RingBufferMB = defaultRingBufferMB
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
}

// LiveSource reads frames from a live interface via AF_PACKET_V3,
// generalizing the teacher's afpacket capture handle to the Ethernet,
// raw, and Linux-cooked link types link.Classify accepts.
type LiveSource struct {
	tpacket  *afpacket.TPacket
	linkType layers.LinkType
}

// NewLiveSource opens cfg.Interface for capture. linkType tells
// link.Classify how to interpret the frames the interface yields
// (layers.LinkTypeEthernet for ordinary NICs).
func NewLiveSource(cfg LiveConfig, linkType layers.LinkType) (*LiveSource, error) {
	cfg.setDefaults()

	frameSize, blockSize, numBlocks, err := ringLayout(cfg.RingBufferMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("capture: compute ring layout: %w", err)
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Interface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(cfg.PollTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", cfg.Interface, err)
	}

	if cfg.FanoutID > 0 {
		if err := tp.SetFanout(afpacket.FanoutHashWithDefrag, cfg.FanoutID); err != nil {
			tp.Close()
			return nil, fmt.Errorf("capture: set fanout: %w", err)
		}
	}

	if cfg.BPFFilter != "" {
		raw, err := compileBPF(linkType, cfg.SnapLen, cfg.BPFFilter)
		if err != nil {
			tp.Close()
			return nil, err
		}
		if err := tp.SetBPF(raw); err != nil {
			tp.Close()
			return nil, fmt.Errorf("capture: apply BPF filter: %w", err)
		}
	}

	return &LiveSource{tpacket: tp, linkType: linkType}, nil
}

var _ Source = (*LiveSource)(nil)

func (s *LiveSource) ReadFrame() (link.Frame, error) {
	if s.tpacket == nil {
		return link.Frame{}, ErrClosed
	}
	data, ci, err := s.tpacket.ZeroCopyReadPacketData()
	for err == afpacket.ErrTimeout {
		// An idle poll interval is not the end of the capture.
		data, ci, err = s.tpacket.ZeroCopyReadPacketData()
	}
	if err != nil {
		return link.Frame{}, err
	}
	return link.Frame{
		Bytes:       data,
		CapturedLen: ci.CaptureLength,
		WireLen:     ci.Length,
		LinkType:    s.linkType,
	}, nil
}

func (s *LiveSource) Close() error {
	if s.tpacket != nil {
		s.tpacket.Close()
		s.tpacket = nil
	}
	return nil
}

func compileBPF(linkType layers.LinkType, snapLen int, filter string) ([]bpf.RawInstruction, error) {
	insns, err := pcap.CompileBPFFilter(linkType, snapLen, filter)
	if err != nil {
		return nil, fmt.Errorf("capture: compile BPF filter %q: %w", filter, err)
	}
	raw := make([]bpf.RawInstruction, len(insns))
	for i, insn := range insns {
		raw[i] = bpf.RawInstruction{Op: insn.Code, Jt: insn.Jt, Jf: insn.Jf, K: insn.K}
	}
	return raw, nil
}

// ringLayout picks a TPACKET_V3 frame size, block size, and block count
// that satisfy PACKET_MMAP's alignment rules (frame size a multiple of
// TPACKET_ALIGNMENT, block size a multiple of both page size and frame
// size) while approximating the requested ring buffer size.
func ringLayout(ringMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	const tpacketAlignment = 16
	const tpacketHdrLen = 52

	if ringMB <= 0 || snapLen <= 0 || pageSize <= 0 {
		return 0, 0, 0, fmt.Errorf("invalid ring layout inputs: ringMB=%d snapLen=%d pageSize=%d", ringMB, snapLen, pageSize)
	}

	rawFrameSize := tpacketHdrLen + snapLen
	frameSize = ((rawFrameSize + tpacketAlignment - 1) / tpacketAlignment) * tpacketAlignment

	blockSize = lcm(pageSize, frameSize)
	const maxBlockSize = 4 * 1024 * 1024
	if blockSize > maxBlockSize {
		// Round the frame up to whole pages so a block of several frames
		// stays a multiple of both page size and frame size.
		frameSize = ((frameSize + pageSize - 1) / pageSize) * pageSize
		framesPerBlock := maxBlockSize / frameSize
		if framesPerBlock < 1 {
			framesPerBlock = 1
		}
		blockSize = framesPerBlock * frameSize
	}

	numBlocks = (ringMB * 1024 * 1024) / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}
	return frameSize, blockSize, numBlocks, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return (a * b) / gcd(a, b)
}
