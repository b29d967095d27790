// Package sampler implements the Variable Sampler fallback path used when
// no RTT control block is available: an ordered list of (addr, size, fmt)
// tuples is read once per tick and formatted into the same tab-separated,
// comma-newline-terminated frame RTT up-data uses downstream (spec.md
// §4.E). Grounded on the original RTTView.py's on_tmrRTT_timeout "else"
// branch and its len2type decode table.
package sampler

import (
	"fmt"
	"math"
	"strings"

	"github.com/moment-NEW/rttbridge/internal/link"
	"github.com/moment-NEW/rttbridge/internal/linkerr"
	"github.com/moment-NEW/rttbridge/internal/logging"
)

var log = logging.For("sampler")

// Format names the wire decode applied to a variable's raw bytes, mirroring
// the original's len2type table.
type Format string

const (
	FormatI8  Format = "i8"
	FormatU8  Format = "u8"
	FormatI16 Format = "i16"
	FormatU16 Format = "u16"
	FormatI32 Format = "i32"
	FormatU32 Format = "u32"
	FormatF32 Format = "f32"
	FormatI64 Format = "i64"
	FormatU64 Format = "u64"
	FormatF64 Format = "f64"
)

// sizeOf gives the byte width a Format requires, used to validate a
// Variable's declared Size against its Format at sample time.
var sizeOf = map[Format]int{
	FormatI8: 1, FormatU8: 1,
	FormatI16: 2, FormatU16: 2,
	FormatI32: 4, FormatU32: 4, FormatF32: 4,
	FormatI64: 8, FormatU64: 8, FormatF64: 8,
}

// Variable is a sampled-variable definition: the UI's (name, addr, size,
// fmt, enabled) tuple (spec.md Glossary, "Sampled variable").
type Variable struct {
	Name    string
	Addr    uint32
	Size    int
	Format  Format
	Enabled bool
}

// Sample reads every enabled variable in vars, in order, decodes each per
// its Format, and returns one frame: "v0\tv1\t...\tvN,\n". Disabled
// variables are skipped entirely, matching the original's `if show:` guard.
// Sample calls l.InvalidateCache() before each read so shared-mode coherence
// holds even without a wrapping arbitrator; it does not sleep between reads,
// leaving any yield to the link itself.
func Sample(l link.Link, vars []Variable) ([]byte, error) {
	var rendered []string
	for _, v := range vars {
		if !v.Enabled {
			continue
		}
		want, ok := sizeOf[v.Format]
		if !ok {
			return nil, linkerr.New(linkerr.KindProtocol, fmt.Sprintf("unknown format %q for %s", v.Format, v.Name), nil)
		}
		if want != v.Size {
			return nil, linkerr.New(linkerr.KindProtocol, fmt.Sprintf("variable %s: size %d does not match format %s", v.Name, v.Size, v.Format), nil)
		}

		l.InvalidateCache()
		raw, err := l.ReadMem(v.Addr, v.Size)
		if err != nil {
			log.WithField("variable", v.Name).WithError(err).Warn("sample read failed")
			return nil, err
		}

		text, err := decode(v.Format, raw)
		if err != nil {
			return nil, err
		}
		rendered = append(rendered, text)
	}

	frame := strings.Join(rendered, "\t") + ",\n"
	return []byte(frame), nil
}

func decode(format Format, raw []byte) (string, error) {
	switch format {
	case FormatI8:
		return fmt.Sprintf("%d", int8(raw[0])), nil
	case FormatU8:
		return fmt.Sprintf("%d", raw[0]), nil
	case FormatI16:
		return fmt.Sprintf("%d", int16(le16(raw))), nil
	case FormatU16:
		return fmt.Sprintf("%d", le16(raw)), nil
	case FormatI32:
		return fmt.Sprintf("%d", int32(le32(raw))), nil
	case FormatU32:
		return fmt.Sprintf("%d", le32(raw)), nil
	case FormatF32:
		return fmt.Sprintf("%g", math.Float32frombits(le32(raw))), nil
	case FormatI64:
		return fmt.Sprintf("%d", int64(le64(raw))), nil
	case FormatU64:
		return fmt.Sprintf("%d", le64(raw)), nil
	case FormatF64:
		return fmt.Sprintf("%g", math.Float64frombits(le64(raw))), nil
	default:
		return "", linkerr.New(linkerr.KindProtocol, fmt.Sprintf("unknown format %q", format), nil)
	}
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
