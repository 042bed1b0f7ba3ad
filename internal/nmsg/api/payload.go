package api

// Payload is a single structured event record: a vendor/message-type tag,
// a timestamp, and an optional binary body, plus the optional source/
// operator/group tags a deployment can stamp on outgoing records.
//
// Ownership: a Payload is owned by the I/O thread that allocated it until
// it is handed to exactly one Output via Append; see package io.
type Payload struct {
	Vid     uint32
	MsgType uint32

	TimeSec  uint64
	TimeNsec uint32

	HasPayload bool
	Body       []byte

	Source   *uint32
	Operator *uint32
	Group    *uint32
}

// CloseEventKind enumerates why a handle was closed.
type CloseEventKind int

const (
	CloseEof CloseEventKind = iota
	CloseCount
	CloseInterval
)

func (k CloseEventKind) String() string {
	switch k {
	case CloseEof:
		return "eof"
	case CloseCount:
		return "count"
	case CloseInterval:
		return "interval"
	default:
		return "unknown"
	}
}

// HandleIOType distinguishes input from output handles in a CloseEvent.
type HandleIOType int

const (
	IOInput HandleIOType = iota
	IOOutput
)

// HandleSubtype distinguishes the concrete kind of handle a CloseEvent
// refers to (nmsg binary stream, presentation text, ...).
type HandleSubtype int

const (
	SubtypeNmsg HandleSubtype = iota
	SubtypePresentation
)

// CloseEvent is delivered once per handle at teardown (with Kind ==
// CloseEof) and additionally whenever a count or interval trigger fires
// on an output (Kind == CloseCount / CloseInterval).
type CloseEvent struct {
	IOType     HandleIOType
	Subtype    HandleSubtype
	Kind       CloseEventKind
	UserCookie any
}

// ClosedFunc is the callback signature for Context.SetClosedFunc.
type ClosedFunc func(ev CloseEvent)
