package core

import "sync"

// outputSurface receives terminal byte chunks. The engine implements it.
type outputSurface interface {
	WriteChunk(data []byte)
}

// syncBuffer sits between raw terminal output and the surface, honoring
// the synchronized-output protocol (DEC 2026). While sync mode is
// enabled, chunks accumulate; on disable they are applied to the
// surface as one combined write so fast redraws do not tear.
type syncBuffer struct {
	mu      sync.Mutex
	surface outputSurface
	enabled bool
	pending [][]byte
}

func newSyncBuffer() *syncBuffer {
	return &syncBuffer{}
}

// Attach binds the buffer to a surface. Re-attaching the same surface
// is a no-op; attaching a different one flushes pending data to the old
// surface first.
func (b *syncBuffer) Attach(surface outputSurface) {
	b.mu.Lock()
	if b.surface == surface {
		b.mu.Unlock()
		return
	}
	b.flushLocked()
	b.surface = surface
	b.mu.Unlock()
}

// Write forwards a chunk to the surface, or queues it while sync mode
// is enabled. The fast path does no buffering at all.
func (b *syncBuffer) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	if !b.enabled {
		surface := b.surface
		b.mu.Unlock()
		if surface != nil {
			surface.WriteChunk(data)
		}
		return
	}
	b.pending = append(b.pending, append([]byte(nil), data...))
	b.mu.Unlock()
}

// SetSyncEnabled toggles sync mode. Redundant enables are idempotent;
// the transition enabled→disabled flushes everything queued as a single
// combined chunk.
func (b *syncBuffer) SetSyncEnabled(enabled bool) {
	b.mu.Lock()
	if b.enabled == enabled {
		b.mu.Unlock()
		return
	}
	b.enabled = enabled
	if !enabled {
		b.flushLocked()
	}
	b.mu.Unlock()
}

// Detach flushes pending chunks and releases the surface reference.
// Safe to call multiple times.
func (b *syncBuffer) Detach() {
	b.mu.Lock()
	b.flushLocked()
	b.surface = nil
	b.enabled = false
	b.mu.Unlock()
}

func (b *syncBuffer) flushLocked() {
	if len(b.pending) == 0 {
		return
	}
	chunks := b.pending
	b.pending = nil
	if b.surface == nil {
		return
	}
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	combined := make([]byte, 0, size)
	for _, c := range chunks {
		combined = append(combined, c...)
	}
	b.surface.WriteChunk(combined)
}
