package devmapper

import (
	"sync/atomic"

	"github.com/blkmapper/devmapper/internal/uapi"
)

// commandNames indexes human-readable operation names by command number.
var commandNames = []string{
	"version",
	"remove all",
	"list devices",
	"device create",
	"device remove",
	"device rename",
	"device suspend",
	"device status",
	"device wait",
	"table load",
	"table clear",
	"table deps",
	"table status",
	"list versions",
	"target message",
	"set geometry",
	"arm poll",
}

const numCommands = uapi.DM_DEV_ARM_POLL_CMD + 1

func commandName(cmd uint32) string {
	if int(cmd) < len(commandNames) {
		return commandNames[cmd]
	}
	return "<bad command>"
}

// Metrics tracks control-channel statistics: per-command call and error
// counts, payload traffic, and buffer-growth retries.
type Metrics struct {
	calls  [numCommands]atomic.Uint64
	errors [numCommands]atomic.Uint64

	payloadBytesIn  atomic.Uint64
	payloadBytesOut atomic.Uint64

	bufferGrows   atomic.Uint64
	maxBufferSize atomic.Uint64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordCommand records one executed control command.
func (m *Metrics) RecordCommand(cmd uint32, payloadIn, payloadOut int, err error) {
	if int(cmd) >= numCommands {
		return
	}
	m.calls[cmd].Add(1)
	if err != nil {
		m.errors[cmd].Add(1)
		return
	}
	m.payloadBytesIn.Add(uint64(payloadIn))
	m.payloadBytesOut.Add(uint64(payloadOut))
}

// RecordBufferGrow records one doubling of the reply buffer.
func (m *Metrics) RecordBufferGrow(newSize int) {
	m.bufferGrows.Add(1)
	for {
		current := m.maxBufferSize.Load()
		if uint64(newSize) <= current {
			break
		}
		if m.maxBufferSize.CompareAndSwap(current, uint64(newSize)) {
			break
		}
	}
}

// CommandStats holds the counters for one command.
type CommandStats struct {
	Calls  uint64
	Errors uint64
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Commands        map[string]CommandStats
	PayloadBytesIn  uint64
	PayloadBytesOut uint64
	BufferGrows     uint64
	MaxBufferSize   uint64
}

// Snapshot returns a consistent-enough copy of the counters for reporting.
// Commands with no calls are omitted.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Commands:        make(map[string]CommandStats),
		PayloadBytesIn:  m.payloadBytesIn.Load(),
		PayloadBytesOut: m.payloadBytesOut.Load(),
		BufferGrows:     m.bufferGrows.Load(),
		MaxBufferSize:   m.maxBufferSize.Load(),
	}
	for i := 0; i < numCommands; i++ {
		calls := m.calls[i].Load()
		errs := m.errors[i].Load()
		if calls == 0 && errs == 0 {
			continue
		}
		snap.Commands[commandNames[i]] = CommandStats{Calls: calls, Errors: errs}
	}
	return snap
}
