package io

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
)

func TestCloseTriggerCount(t *testing.T) {
	now := time.Now()
	kind, fired := closeTrigger(3, 0, 3, now, now)
	assert.True(t, fired)
	assert.Equal(t, nmsgapi.CloseCount, kind)

	kind, fired = closeTrigger(3, 0, 2, now, now)
	assert.False(t, fired)
	_ = kind
}

func TestCloseTriggerInterval(t *testing.T) {
	now := time.Now()
	last := now.Add(-2 * time.Second)
	kind, fired := closeTrigger(0, time.Second, 1, last, now)
	assert.True(t, fired)
	assert.Equal(t, nmsgapi.CloseInterval, kind)
}

func TestCloseTriggerNeitherConfigured(t *testing.T) {
	now := time.Now()
	_, fired := closeTrigger(0, 0, 1, now, now)
	assert.False(t, fired)
}

func TestEpochAlignTruncatesToIntervalBoundary(t *testing.T) {
	interval := time.Minute
	now := time.Date(2026, 7, 30, 10, 30, 45, 0, time.UTC)
	aligned := epochAlign(now, interval)
	assert.Equal(t, int64(0), aligned.UnixNano()%int64(interval))
	assert.True(t, aligned.Before(now) || aligned.Equal(now))
}

func TestEpochAlignZeroIntervalIsNoop(t *testing.T) {
	now := time.Now()
	assert.Equal(t, now, epochAlign(now, 0))
}
