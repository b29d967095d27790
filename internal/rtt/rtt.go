// Package rtt locates the SEGGER RTT control block in target RAM and drains
// its up-buffer / fills its down-buffer, implementing spec.md §4.D exactly:
// byte-for-byte the same discovery window, the same wrap-tail-only drain
// semantics, and the same RdOff-guard on fill. Ported from the original
// RTTView.py's aUpRead/aDownWrite (see original_source/RTTView.py) and
// cross-checked against github.com/bbnote/gostlink's Go RTT reader for
// idiomatic little-endian field decoding.
package rtt

import (
	"encoding/binary"

	"github.com/moment-NEW/rttbridge/internal/link"
	"github.com/moment-NEW/rttbridge/internal/linkerr"
	"github.com/moment-NEW/rttbridge/internal/logging"
)

var log = logging.For("rtt")

// Sentinel is the ASCII signature SEGGER_RTT_CB begins with.
const Sentinel = "SEGGER RTT"

// Sizes of the on-target structures, in bytes, per spec.md §3. Fixed
// little-endian field widths — never host struct sizes.
const (
	ringBufferSize  = 6 * 4
	cbHeaderSize    = 16 + 4 + 4 // acID + MaxNumUpBuffers + MaxNumDownBuffers
	scanSliceSize   = 1024
	scanOverlap     = 32
	scanWindowBytes = 64 * 1024
	maxSaneCount    = 1024 * 1024
)

// RingBuffer mirrors the on-target RingBuffer layout (spec.md §3).
type RingBuffer struct {
	Name         uint32
	Buffer       uint32
	SizeOfBuffer uint32
	WrOff        uint32
	RdOff        uint32
	Flags        uint32
}

func decodeRingBuffer(data []byte) RingBuffer {
	return RingBuffer{
		Name:         binary.LittleEndian.Uint32(data[0:4]),
		Buffer:       binary.LittleEndian.Uint32(data[4:8]),
		SizeOfBuffer: binary.LittleEndian.Uint32(data[8:12]),
		WrOff:        binary.LittleEndian.Uint32(data[12:16]),
		RdOff:        binary.LittleEndian.Uint32(data[16:20]),
		Flags:        binary.LittleEndian.Uint32(data[20:24]),
	}
}

// ControlBlock describes a discovered SEGGER RTT control block.
type ControlBlock struct {
	Addr              uint32
	MaxNumUpBuffers   uint32
	MaxNumDownBuffers uint32
	UpAddr            uint32 // address of aUp[0]
	DownAddr          uint32 // address of aDown[0], channel 0 only (spec.md Design Note 6)
}

// Discover scans up to 64KiB of RAM starting at seed for the SEGGER RTT
// sentinel, reading 1KiB+32B slices so the 16-byte sentinel can't be split
// across a slice boundary. Returns linkerr.KindRttNotFound if the window is
// exhausted without a hit; it never retries implicitly.
func Discover(l link.Link, seed uint32) (*ControlBlock, error) {
	for i := 0; i*scanSliceSize < scanWindowBytes; i++ {
		base := seed + uint32(i*scanSliceSize)
		data, err := l.ReadMem(base, scanSliceSize+scanOverlap)
		if err != nil {
			return nil, err
		}
		idx := indexOf(data, []byte(Sentinel))
		if idx == -1 || i*scanSliceSize+idx >= scanWindowBytes {
			// The overlap of the last slice reads past the window; a hit
			// starting there is outside the 64KiB search span.
			continue
		}
		cbAddr := base + uint32(idx)
		hdr, err := l.ReadMem(cbAddr, cbHeaderSize)
		if err != nil {
			return nil, err
		}
		maxUp := binary.LittleEndian.Uint32(hdr[16:20])
		maxDown := binary.LittleEndian.Uint32(hdr[20:24])

		upAddr := cbAddr + cbHeaderSize
		downAddr := upAddr + ringBufferSize*maxUp

		log.WithFields(map[string]any{
			"addr": cbAddr, "up_buffers": maxUp, "down_buffers": maxDown,
		}).Info("found SEGGER RTT control block")

		return &ControlBlock{
			Addr:              cbAddr,
			MaxNumUpBuffers:   maxUp,
			MaxNumDownBuffers: maxDown,
			UpAddr:            upAddr,
			DownAddr:          downAddr,
		}, nil
	}
	return nil, linkerr.New(linkerr.KindRttNotFound, "sentinel not found within 64KiB window", nil)
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// DrainUp reads whatever linear run of bytes is currently available in the
// up-ring at upAddr and advances RdOff past them. It never updates RdOff
// before the data read completes, so the target cannot reuse that space
// before the host has it. On wrap, only the tail run is returned; the next
// call returns the head (spec.md §4.D, scenario S2).
func DrainUp(l link.Link, upAddr uint32) ([]byte, error) {
	raw, err := l.ReadMem(upAddr, ringBufferSize)
	if err != nil {
		return nil, err
	}
	s := decodeRingBuffer(raw)
	if s.SizeOfBuffer == 0 {
		return nil, nil
	}

	var cnt uint32
	if s.RdOff <= s.WrOff {
		cnt = s.WrOff - s.RdOff
	} else {
		cnt = s.SizeOfBuffer - s.RdOff
	}

	if cnt == 0 || cnt >= maxSaneCount {
		return nil, nil
	}

	data, err := l.ReadMem(s.Buffer+s.RdOff, int(cnt))
	if err != nil {
		return nil, err
	}

	newRd := (s.RdOff + cnt) % s.SizeOfBuffer
	if err := l.WriteU32(upAddr+16, newRd); err != nil {
		// Ring state is not updated on failure; the next tick retries
		// from the same RdOff (spec.md §4.D failure model).
		return nil, err
	}

	return data, nil
}

// FillDown writes payload into the down-ring at downAddr per spec.md §4.D:
// a first linear segment from WrOff to the end (or to RdOff-1 if RdOff==0)
// when WrOff >= RdOff, then, if data remains, a second segment from WrOff
// (0 after a wrap) up to RdOff-1. It writes as much of payload as fits and
// returns that count; the rest is not written. The RdOff-not-in-{0,1} guard and the -1 limit together guarantee
// WrOff != RdOff after any non-empty write, preserving the empty/full
// distinction.
func FillDown(l link.Link, downAddr uint32, payload []byte) (int, error) {
	raw, err := l.ReadMem(downAddr, ringBufferSize)
	if err != nil {
		return 0, err
	}
	s := decodeRingBuffer(raw)
	if s.SizeOfBuffer == 0 {
		return 0, nil
	}

	written := 0
	remaining := payload

	if s.WrOff >= s.RdOff {
		var limit uint32
		if s.RdOff != 0 {
			limit = s.SizeOfBuffer
		} else {
			limit = s.SizeOfBuffer - 1
		}
		n := minU32(limit-s.WrOff, uint32(len(remaining)))
		if n > 0 {
			if err := l.WriteMem(s.Buffer+s.WrOff, remaining[:n]); err != nil {
				return written, err
			}
			s.WrOff = (s.WrOff + n) % s.SizeOfBuffer
			remaining = remaining[n:]
			written += int(n)
		}
	}

	if len(remaining) > 0 && s.RdOff != 0 && s.RdOff != 1 {
		n := minU32(s.RdOff-1-s.WrOff, uint32(len(remaining)))
		if n > 0 {
			if err := l.WriteMem(s.Buffer+s.WrOff, remaining[:n]); err != nil {
				return written, err
			}
			s.WrOff += n
			written += int(n)
		}
	}

	if err := l.WriteU32(downAddr+12, s.WrOff); err != nil {
		return written, err
	}
	return written, nil
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// UpChannelAddr and DownChannelAddr generalize to an arbitrary channel index
// (spec.md Design Note 6: SEGGER RTT permits multiple up/down channels, but
// this engine drives only channel 0 by default). idx must be less than
// MaxNumUpBuffers / MaxNumDownBuffers respectively.
func (cb *ControlBlock) UpChannelAddr(idx uint32) uint32 {
	return cb.UpAddr + idx*ringBufferSize
}

func (cb *ControlBlock) DownChannelAddr(idx uint32) uint32 {
	return cb.DownAddr + idx*ringBufferSize
}
