// Package io implements the multiplexing I/O loop (C7) and close
// triggers (C9): N inputs are each driven by their own goroutine,
// decoded containers are fanned out to M outputs in stripe or mirror
// mode, and outputs are closed/reopened on payload-count or
// wall-clock-interval boundaries. Grounded on
// firestige-Otus/internal/pipeline's context/cancel + WaitGroup worker
// shape and internal/otus/pipeline/partition.go's per-container
// fan-out-to-senders loop, generalized from one capture pipeline to N
// inputs times M outputs with stripe/mirror dispatch.
package io

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/serialx/hashring"
	"github.com/tevino/abool"

	"firestige.xyz/nmsg/internal/log"
	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
	"firestige.xyz/nmsg/internal/nmsg/container"
	"firestige.xyz/nmsg/internal/nmsg/module"
	"firestige.xyz/nmsg/internal/nmsg/payload"
)

// OutputMode selects how a container's payloads are fanned out across
// the registered outputs of one subtype.
type OutputMode int

const (
	// ModeStripe delivers each container to exactly one writer of each
	// kind (NMSG, presentation), advancing a rotating cursor afterward.
	ModeStripe OutputMode = iota
	// ModeMirror delivers every container to every writer.
	ModeMirror
)

// outputHandle wraps one registered Output with the bookkeeping C9's
// close triggers and the context's stripe cursor need.
type outputHandle struct {
	mu      sync.Mutex
	name    string
	out     Output
	reopen  func() (Output, error)
	subtype nmsgapi.HandleSubtype
	cookie  any

	vidFilter, msgTypeFilter *uint32

	payloadsOut uint64
	lastFlush   time.Time
	closed      bool
}

// Context is the multiplexing I/O loop's root object: the set of
// inputs and outputs, process-wide policy, and the worker goroutines
// loop spawns.
//
// add_input/add_output may only be called before Loop starts; Loop
// spawns one goroutine per input and blocks until they all exit.
// Breakloop may be called from any goroutine at any time.
type Context struct {
	mu      sync.Mutex
	started bool
	stop    *abool.AtomicBool
	wg      sync.WaitGroup

	inputs      []*inputHandle
	nmsgOutputs []*outputHandle
	presOutputs []*outputHandle

	nmsgCursor uint64
	presCursor uint64
	nmsgRing   *hashring.HashRing
	presRing   *hashring.HashRing

	outputMode OutputMode
	count      int
	interval   time.Duration
	endline    string
	quiet      bool
	zlibout    bool
	debug      int
	source, operatorID, group *uint32
	stickyKey  func(*nmsgapi.Payload) string

	closedFunc nmsgapi.ClosedFunc
	codec      container.Codec
	modules    *module.Registry
}

// New builds an empty Context (init()). codec encodes/decodes
// containers; modules resolves presentation text for payloads.
func New(codec container.Codec, modules *module.Registry) *Context {
	return &Context{
		stop:       abool.New(),
		outputMode: ModeStripe,
		endline:    "\\\n",
		codec:      codec,
		modules:    modules,
	}
}

// AddInputNmsg registers an NMSG container source. cookie is carried
// through to close-event delivery.
func (c *Context) AddInputNmsg(r NmsgReader, cookie any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("io: cannot add input after loop has started")
	}
	c.inputs = append(c.inputs, &inputHandle{
		subtype:    nmsgapi.SubtypeNmsg,
		nmsgReader: r,
		cookie:     cookie,
	})
	return nil
}

// AddInputPresentation registers a presentation-text source that
// converts lines using m's Pres2Pbuf.
func (c *Context) AddInputPresentation(r PresentationReader, m module.Module, cookie any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("io: cannot add input after loop has started")
	}
	c.inputs = append(c.inputs, &inputHandle{
		subtype:    nmsgapi.SubtypePresentation,
		presReader: r,
		module:     m,
		cookie:     cookie,
	})
	return nil
}

// AddOutputOptions configures an output registered via AddOutput.
type AddOutputOptions struct {
	Name      string // used as the sticky-routing key; defaults to a positional name
	VidFilter *uint32
	MsgTypeFilter *uint32
	// Reopen, if set, is called after the output is closed by a count
	// or interval trigger to obtain a fresh Output; if it returns an
	// error (or is nil), the handle stays closed and subsequent writes
	// are treated as failed, per the design's close-trigger contract.
	Reopen func() (Output, error)
}

// AddOutput registers out as a writer of subtype, under the policy in
// opts.
func (c *Context) AddOutput(out Output, subtype nmsgapi.HandleSubtype, cookie any, opts AddOutputOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("io: cannot add output after loop has started")
	}

	oh := &outputHandle{
		name:          opts.Name,
		out:           out,
		reopen:        opts.Reopen,
		subtype:       subtype,
		cookie:        cookie,
		vidFilter:     opts.VidFilter,
		msgTypeFilter: opts.MsgTypeFilter,
		lastFlush:     epochAlign(time.Now(), c.interval),
	}
	if oh.name == "" {
		oh.name = fmt.Sprintf("%s-%d", subtypeName(subtype), len(c.nmsgOutputs)+len(c.presOutputs))
	}

	switch subtype {
	case nmsgapi.SubtypeNmsg:
		c.nmsgOutputs = append(c.nmsgOutputs, oh)
	case nmsgapi.SubtypePresentation:
		c.presOutputs = append(c.presOutputs, oh)
	}
	return nil
}

func subtypeName(s nmsgapi.HandleSubtype) string {
	if s == nmsgapi.SubtypeNmsg {
		return "nmsg"
	}
	return "pres"
}

// Configuration setters (set_*), callable only before Loop starts.

func (c *Context) SetOutputMode(mode OutputMode) { c.outputMode = mode }
func (c *Context) SetCount(n int)                { c.count = n }
func (c *Context) SetInterval(d time.Duration)   { c.interval = d }
func (c *Context) SetEndline(s string)           { c.endline = s }
func (c *Context) SetQuiet(q bool)               { c.quiet = q }
func (c *Context) SetZlibOut(z bool)             { c.zlibout = z }
func (c *Context) SetDebug(level int)            { c.debug = level }
func (c *Context) SetSource(v uint32)            { c.source = &v }
func (c *Context) SetOperator(v uint32)          { c.operatorID = &v }
func (c *Context) SetGroup(v uint32)             { c.group = &v }
func (c *Context) SetClosedFunc(fn nmsgapi.ClosedFunc) { c.closedFunc = fn }

// Modules returns the module registry Context was built with, for
// callers constructing a PresentationOutput that should share it.
func (c *Context) Modules() *module.Registry { return c.modules }

// Endline, Quiet, and ZlibOut expose the presentation/container output
// policy so callers building Output instances before AddOutput can
// read back the configured values instead of duplicating them.
func (c *Context) Endline() string { return c.endline }
func (c *Context) Quiet() bool     { return c.quiet }
func (c *Context) ZlibOut() bool   { return c.zlibout }

// SetStickyKey installs an optional routing function: in stripe mode,
// instead of a plain round-robin cursor, each container's first
// payload is hashed via fn onto a consistent-hash ring over the
// registered output names, so payloads sharing a key keep landing on
// the same writer across restarts with a similar output set. This
// generalizes spec.md's plain rotating cursor; leaving it unset
// preserves the rotating-cursor behavior exactly.
func (c *Context) SetStickyKey(fn func(*nmsgapi.Payload) string) {
	c.stickyKey = fn
}

// Loop spawns one goroutine per registered input and blocks until all
// have exited (end of stream, failure, or Breakloop).
func (c *Context) Loop() error {
	c.mu.Lock()
	c.started = true
	if c.stickyKey != nil {
		c.nmsgRing = ringOf(c.nmsgOutputs)
		c.presRing = ringOf(c.presOutputs)
	}
	inputs := append([]*inputHandle(nil), c.inputs...)
	c.mu.Unlock()

	for _, ih := range inputs {
		c.wg.Add(1)
		go c.runInput(ih)
	}
	c.wg.Wait()
	return nil
}

func ringOf(handles []*outputHandle) *hashring.HashRing {
	names := make([]string, len(handles))
	for i, h := range handles {
		names[i] = h.name
	}
	return hashring.New(names)
}

// Breakloop sets the stop flag; every worker checks it at each receive
// boundary and exits promptly afterward. Safe to call from any
// goroutine.
func (c *Context) Breakloop() { c.stop.Set() }

// Destroy flushes and closes every registered output, firing the close
// callback once per output with CloseEof, after Loop has returned.
// Inputs get their CloseEof callback from Loop, as each input worker
// exits.
func (c *Context) Destroy() {
	for _, oh := range c.nmsgOutputs {
		c.closeOutput(oh, nmsgapi.CloseEof)
	}
	for _, oh := range c.presOutputs {
		c.closeOutput(oh, nmsgapi.CloseEof)
	}
}

// PayloadsOut returns how many payloads have been appended to the
// named output so far, for tests and status reporting.
func (c *Context) PayloadsOut(name string) uint64 {
	for _, oh := range append(append([]*outputHandle(nil), c.nmsgOutputs...), c.presOutputs...) {
		if oh.name == name {
			oh.mu.Lock()
			defer oh.mu.Unlock()
			return oh.payloadsOut
		}
	}
	return 0
}

func (c *Context) closeOutput(oh *outputHandle, kind nmsgapi.CloseEventKind) {
	oh.mu.Lock()
	if !oh.closed {
		oh.out.Close()
		oh.closed = true
	}
	oh.mu.Unlock()

	if c.closedFunc != nil {
		c.closedFunc(nmsgapi.CloseEvent{
			IOType:     nmsgapi.IOOutput,
			Subtype:    oh.subtype,
			Kind:       kind,
			UserCookie: oh.cookie,
		})
	}
}

func (c *Context) runInput(ih *inputHandle) {
	defer c.wg.Done()
	switch ih.subtype {
	case nmsgapi.SubtypeNmsg:
		c.runNmsgInput(ih)
	case nmsgapi.SubtypePresentation:
		c.runPresentationInput(ih)
	}
	if c.closedFunc != nil {
		c.closedFunc(nmsgapi.CloseEvent{
			IOType:     nmsgapi.IOInput,
			Subtype:    ih.subtype,
			Kind:       nmsgapi.CloseEof,
			UserCookie: ih.cookie,
		})
	}
}

func (c *Context) runNmsgInput(ih *inputHandle) {
	for {
		if c.stop.IsSet() {
			return
		}
		data, err := ih.nmsgReader.ReadContainer()
		if err != nil {
			return
		}

		payloads, _, err := c.codec.DecodeContainer(data)
		if err != nil {
			log.GetLogger().WithError(err).Warn("io: dropping malformed container")
			continue // Again: malformed container, drop and keep reading
		}
		c.deliver(payloads)
	}
}

func (c *Context) runPresentationInput(ih *inputHandle) {
	for {
		if c.stop.IsSet() {
			return
		}
		line, err := ih.presReader.ReadLine()
		if err != nil {
			return
		}

		status, body, err := ih.module.Pres2Pbuf(line)
		if err != nil || status != module.Ready {
			continue
		}

		p := payload.Make(body, ih.module.Vid(), ih.module.MsgType(), time.Now())
		c.stampOwnerTags(p)
		c.deliver([]*nmsgapi.Payload{p})
	}
}

func (c *Context) stampOwnerTags(p *nmsgapi.Payload) {
	if c.source != nil {
		p.Source = c.source
	}
	if c.operatorID != nil {
		p.Operator = c.operatorID
	}
	if c.group != nil {
		p.Group = c.group
	}
}

func (c *Context) deliver(payloads []*nmsgapi.Payload) {
	if len(payloads) == 0 {
		return
	}

	switch c.outputMode {
	case ModeMirror:
		for _, oh := range c.nmsgOutputs {
			c.appendAll(oh, payloads)
		}
		for _, oh := range c.presOutputs {
			c.appendAll(oh, payloads)
		}
	case ModeStripe:
		if oh := c.pick(c.nmsgOutputs, c.nmsgRing, &c.nmsgCursor, payloads[0]); oh != nil {
			c.appendAll(oh, payloads)
		}
		if oh := c.pick(c.presOutputs, c.presRing, &c.presCursor, payloads[0]); oh != nil {
			c.appendAll(oh, payloads)
		}
	}
}

// pick selects the next writer for stripe mode: a sticky hash-ring
// lookup when SetStickyKey was configured, otherwise a plain
// round-robin cursor, one per output kind, shared by every input worker
// and starting from the list head.
func (c *Context) pick(handles []*outputHandle, ring *hashring.HashRing, cursor *uint64, first *nmsgapi.Payload) *outputHandle {
	if len(handles) == 0 {
		return nil
	}
	if c.stickyKey != nil && ring != nil {
		if name, ok := ring.GetNode(c.stickyKey(first)); ok {
			for _, h := range handles {
				if h.name == name {
					return h
				}
			}
		}
	}
	i := atomic.AddUint64(cursor, 1) - 1
	return handles[i%uint64(len(handles))]
}

func (c *Context) appendAll(oh *outputHandle, payloads []*nmsgapi.Payload) {
	for _, p := range payloads {
		if oh.vidFilter != nil && *oh.vidFilter != p.Vid {
			continue
		}
		if oh.msgTypeFilter != nil && *oh.msgTypeFilter != p.MsgType {
			continue
		}
		c.appendOne(oh, payload.Dup(p))
	}
}

func (c *Context) appendOne(oh *outputHandle, p *nmsgapi.Payload) {
	oh.mu.Lock()
	defer oh.mu.Unlock()

	if oh.closed {
		return
	}
	if err := oh.out.Append(p); err != nil {
		log.GetLogger().WithError(err).WithField("output", oh.name).Error("io: append failed")
		return
	}

	oh.payloadsOut++
	now := time.Now()
	kind, fired := closeTrigger(c.count, c.interval, oh.payloadsOut, oh.lastFlush, now)
	if !fired {
		return
	}

	oh.out.Close()
	oh.closed = true
	oh.lastFlush = now
	log.GetLogger().WithField("output", oh.name).WithField("payloads", oh.payloadsOut).Info("io: close trigger fired")

	if c.closedFunc != nil {
		c.closedFunc(nmsgapi.CloseEvent{
			IOType:     nmsgapi.IOOutput,
			Subtype:    oh.subtype,
			Kind:       kind,
			UserCookie: oh.cookie,
		})
	}

	if oh.reopen != nil {
		if fresh, err := oh.reopen(); err == nil {
			oh.out = fresh
			oh.closed = false
		} else {
			log.GetLogger().WithError(err).WithField("output", oh.name).Error("io: reopen failed")
		}
	}
}
