// Package module defines the typed-message plugin interface presentation
// input/output relies on: converting between a vendor/message-type's
// binary wire form and a human-readable textual line. Grounded on
// original_source/nmsg/pbmodset.c's module vtable (pbmod_pres2pbuf /
// pbmod_pbuf2pres / pbmod_init / pbmod_fini) and, for the plugin-registry
// shape, firestige-Otus/internal/plugin's Plugin/Get pattern.
package module

import (
	"fmt"
	"strings"
)

// Status discriminates Pres2Pbuf's incremental-parse outcomes: a single
// binary message can span several presentation lines (e.g. a multi-line
// record), so the module reports whether it has accumulated enough
// input to emit one yet.
type Status int

const (
	// Again means the line was consumed but no complete message is
	// ready yet; the caller should read another line and call
	// Pres2Pbuf again.
	Again Status = iota
	// Ready means body now holds one complete encoded message.
	Ready
)

// Module converts between a vendor/message-type's wire encoding and its
// presentation-format text, and gets lifecycle hooks from the Registry
// it is registered with.
type Module interface {
	// Vid and MsgType identify which (vendor, message-type) pair this
	// module handles.
	Vid() uint32
	MsgType() uint32

	// Init is called once by Registry.Register.
	Init() error
	// Fini is called once by Registry.Close.
	Fini() error

	// Pres2Pbuf feeds one presentation-format line and reports whether
	// a complete encoded message is now available.
	Pres2Pbuf(line string) (status Status, body []byte, err error)
	// Pbuf2Pres renders one encoded message body as presentation text
	// (without the container header line; package io adds that).
	Pbuf2Pres(body []byte) (string, error)
}

// Registry looks up a Module by (vid, msgtype), mirroring pbmodset's
// vendor/message-type dispatch table.
type Registry struct {
	modules map[uint64]Module
}

// NewRegistry builds an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[uint64]Module)}
}

func key(vid, msgType uint32) uint64 {
	return uint64(vid)<<32 | uint64(msgType)
}

// Register adds m to the registry, calling its Init hook.
func (r *Registry) Register(m Module) error {
	if err := m.Init(); err != nil {
		return fmt.Errorf("module: init vid=%d msgtype=%d: %w", m.Vid(), m.MsgType(), err)
	}
	r.modules[key(m.Vid(), m.MsgType())] = m
	return nil
}

// Lookup finds the module registered for (vid, msgtype), if any.
func (r *Registry) Lookup(vid, msgType uint32) (Module, bool) {
	m, ok := r.modules[key(vid, msgType)]
	return m, ok
}

// Close calls Fini on every registered module.
func (r *Registry) Close() error {
	var firstErr error
	for _, m := range r.modules {
		if err := m.Fini(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RawText is a built-in module for vid 0 / msgtype 0: the presentation
// form of a message is the message body itself, one line per message,
// with no framing. It exists so the I/O pipeline is testable end-to-end
// without a real vendor module plugged in, and mirrors the "base"
// module original_source ships alongside its vendor-specific ones.
type RawText struct{}

var _ Module = RawText{}

func (RawText) Vid() uint32     { return 0 }
func (RawText) MsgType() uint32 { return 0 }
func (RawText) Init() error     { return nil }
func (RawText) Fini() error     { return nil }

func (RawText) Pres2Pbuf(line string) (Status, []byte, error) {
	line = strings.TrimRight(line, "\r\n")
	return Ready, []byte(line), nil
}

func (RawText) Pbuf2Pres(body []byte) (string, error) {
	return string(body), nil
}
