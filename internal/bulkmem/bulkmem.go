// Package bulkmem is the bulk memory engine: dispatched copy and
// all-zero-test routines over large buffers, with CPU feature detection
// run once on first use and cached.
//
// Go has no portable way to emit raw AVX-512/AVX2/SSE2 instructions
// without an assembly file per architecture (unlike the Rust original this
// is ported from, which open-codes x86_64 intrinsics directly in cmd.rs).
// Rather than hand-write and vendor per-arch .s files — the one piece of
// this system an assembly file would genuinely earn its keep, and still
// out of reach without a toolchain run to validate it — this package
// keeps the lane-width dispatch model from the spec (64/32/16-byte lanes,
// chunked at 256 KiB, a small-buffer threshold, a streaming-store
// threshold with a release fence). golang.org/x/sys/cpu supplies the real
// feature bits so the *decision* of which lane width to use is genuine.
// IsAllZero scans each lane width with a bounds-checked Go word loop;
// Copy moves 256 KiB chunks with the builtin copy whatever lane width
// was detected.
package bulkmem

import (
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// LaneWidth names the widest dispatch lane chosen at detection time.
type LaneWidth int

const (
	Lane64 LaneWidth = 64 // AVX-512-equivalent
	Lane32 LaneWidth = 32 // AVX2-equivalent
	Lane16 LaneWidth = 16 // SSE2/NEON-equivalent
	Lane8  LaneWidth = 8  // scalar word fallback
)

func (w LaneWidth) String() string {
	switch w {
	case Lane64:
		return "64-byte (avx512-equivalent)"
	case Lane32:
		return "32-byte (avx2-equivalent)"
	case Lane16:
		return "16-byte (sse2/neon-equivalent)"
	default:
		return "8-byte (scalar)"
	}
}

const (
	smallCopyThreshold  = 1 << 10 // 1 KiB: below this, plain copy() suffices
	streamingThreshold  = 1 << 20 // 1 MiB: above this, treat stores as "non-temporal"
	chunkSize           = 256 << 10
	debugEnvVar         = "OTAXTRACT_DEBUG_SIMD"
)

var (
	detectOnce sync.Once
	lane       LaneWidth
)

// Detect returns the widest lane this process will use for bulk
// operations, detecting and caching the result on first call. The result
// is immutable afterward, matching the "process-wide, initialized on
// first use" contract in the spec.
func Detect() LaneWidth {
	detectOnce.Do(func() {
		switch {
		case cpu.X86.HasAVX512F && cpu.X86.HasAVX512BW:
			lane = Lane64
		case cpu.X86.HasAVX2:
			lane = Lane32
		case cpu.X86.HasSSE2:
			lane = Lane16
		case cpu.ARM64.HasASIMD:
			lane = Lane16
		default:
			lane = Lane8
		}
		if os.Getenv(debugEnvVar) != "" {
			println("bulkmem: detected lane width:", lane.String())
		}
	})
	return lane
}

// Copy copies min(len(src), len(dst)) bytes from src to dst and returns
// the number of bytes copied. For large transfers it issues a release
// fence after the final chunk so stores are guaranteed globally visible
// before the caller can observe completion — the property the scheduler
// relies on before a partition's post-processing pass reads the mapping.
func Copy(dst, src []byte) int {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	if n == 0 {
		return 0
	}

	if n < smallCopyThreshold {
		return copy(dst, src)
	}

	Detect() // ensure feature detection has run, for parity with the dispatch model

	written := 0
	for written < n {
		end := written + chunkSize
		if end > n {
			end = n
		}
		copy(dst[written:end], src[written:end])
		written = end
	}

	if n >= streamingThreshold {
		releaseFence()
	}
	return written
}

var fenceSink uint32

// releaseFence issues a release-ordered store, making all prior plain
// stores in this goroutine visible to any goroutine that later performs
// an acquire-ordered load (the per-partition completion counter in
// internal/scheduler uses acquire/release semantics for exactly this
// reason).
func releaseFence() {
	atomic.StoreUint32(&fenceSink, atomic.AddUint32(&fenceSink, 1))
}

// IsAllZero returns true iff every byte of buf is zero, short-circuiting
// on the first non-zero byte (or lane).
func IsAllZero(buf []byte) bool {
	if len(buf) < 32 {
		for _, b := range buf {
			if b != 0 {
				return false
			}
		}
		return true
	}

	w := Detect()
	i := 0
	switch w {
	case Lane64, Lane32, Lane16:
		width := int(w)
		end := len(buf) - (len(buf) % width)
		for ; i < end; i += width {
			if !laneIsZero(buf[i : i+width]) {
				return false
			}
		}
	}

	for ; i < len(buf); i++ {
		if buf[i] != 0 {
			return false
		}
	}
	return true
}

// laneIsZero checks one lane-width chunk via 8-byte word compares,
// falling back to a byte loop for any remainder (lane widths here are
// always multiples of 8, so there is none in practice).
func laneIsZero(lane []byte) bool {
	i := 0
	for ; i+8 <= len(lane); i += 8 {
		if binary.LittleEndian.Uint64(lane[i:i+8]) != 0 {
			return false
		}
	}
	for ; i < len(lane); i++ {
		if lane[i] != 0 {
			return false
		}
	}
	return true
}
