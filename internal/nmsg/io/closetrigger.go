package io

import (
	"time"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
)

// epochAlign returns now truncated down to the most recent multiple of
// interval since the Unix epoch, matching the design's
// "last is initialized to now − (now mod interval)" rule so the first
// interval boundary an output crosses lines up with wall-clock
// boundaries rather than the output's creation time.
func epochAlign(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	unixNs := now.UnixNano()
	rem := unixNs % int64(interval)
	return now.Add(-time.Duration(rem))
}

// closeTrigger evaluates the count and interval triggers (C9) after one
// successful payload append, returning the CloseEventKind to fire and
// true, or false if neither trigger fired.
func closeTrigger(count int, interval time.Duration, payloadsOut uint64, lastFlush, now time.Time) (kind nmsgapi.CloseEventKind, fired bool) {
	if count > 0 && payloadsOut%uint64(count) == 0 {
		return nmsgapi.CloseCount, true
	}
	if interval > 0 && now.Sub(lastFlush) >= interval {
		return nmsgapi.CloseInterval, true
	}
	return nmsgapi.CloseEof, false
}
