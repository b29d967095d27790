// Package keil implements the Link capability set by driving a running Keil
// uVision instance through its automation interface, exactly as the
// original RTTView.py's keil.py did: one expression-evaluator round trip
// (_RBYTE/_RDWORD/_WBYTE/_WDWORD, named-register reads) per byte or word.
// The COM automation object itself is a Windows-only external collaborator,
// so it's modeled behind the small Automation interface, and this repo ships
// no implementation of it. Errors reported by the automation object (for
// example when uVision isn't running) surface as linkerr.KindTransport.
package keil

import (
	"fmt"

	"github.com/moment-NEW/rttbridge/internal/linkerr"
	"github.com/moment-NEW/rttbridge/internal/logging"
)

var log = logging.For("keil")

// Automation is the subset of uVision's COM automation surface this driver
// needs: a single string-expression evaluator plus a couple of debugger
// commands and a running-state query.
type Automation interface {
	Evaluate(expr string) (uint32, error)
	Execute(cmd string) error
	DebuggerState() (int, error) // 1: stopped, 2: running, 3: stepping
}

// DebuggerState values from uVision's Debugger.State property.
const (
	StateStopped  = 1
	StateRunning  = 2
	StateStepping = 3
)

var namedRegister = map[string]string{
	"r0": "r0", "r1": "r1", "r2": "r2", "r3": "r3", "r4": "r4", "r5": "r5",
	"r6": "r6", "r7": "r7", "r8": "r8", "r9": "r9", "r10": "r10", "r11": "r11",
	"r12": "r12", "sp": "sp", "lr": "lr", "pc": "pc", "xpsr": "xpsr",
}

// Link drives a uVision Automation object. The zero value is not usable;
// construct with Attach.
type Link struct {
	uv Automation
}

// Attach binds to an already-running (or newly launched, by the caller) uVision
// automation object.
func Attach(uv Automation) *Link {
	log.Info("attached to Keil uVision automation object")
	return &Link{uv: uv}
}

func (l *Link) ReadMem(addr uint32, n int) ([]byte, error) {
	// One byte per automation round trip: slow but the only interface
	// uVision's expression evaluator offers (spec.md §4.A.3).
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		v, err := l.uv.Evaluate(fmt.Sprintf("_RBYTE(0x%08X)", addr+uint32(i)))
		if err != nil {
			return nil, linkerr.New(linkerr.KindTransport, "_RBYTE", err)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func (l *Link) WriteMem(addr uint32, data []byte) error {
	for i, b := range data {
		if _, err := l.uv.Evaluate(fmt.Sprintf("_WBYTE(0x%08X, 0x%02X)", addr+uint32(i), b)); err != nil {
			return linkerr.New(linkerr.KindTransport, "_WBYTE", err)
		}
	}
	return nil
}

func (l *Link) ReadU32(addr uint32) (uint32, error) {
	v, err := l.uv.Evaluate(fmt.Sprintf("_RDWORD(0x%08X)", addr))
	if err != nil {
		return 0, linkerr.New(linkerr.KindTransport, "_RDWORD", err)
	}
	return v, nil
}

func (l *Link) WriteU32(addr uint32, v uint32) error {
	if _, err := l.uv.Evaluate(fmt.Sprintf("_WDWORD(0x%08X, 0x%08X)", addr, v)); err != nil {
		return linkerr.New(linkerr.KindTransport, "_WDWORD", err)
	}
	return nil
}

func (l *Link) ReadReg(name string) (uint32, error) {
	reg, ok := namedRegister[name]
	if !ok {
		return 0, linkerr.New(linkerr.KindUnsupportedRegister, name, nil)
	}
	v, err := l.uv.Evaluate(reg)
	if err != nil {
		return 0, linkerr.New(linkerr.KindTransport, fmt.Sprintf("read_reg(%s)", name), err)
	}
	return v, nil
}

func (l *Link) WriteReg(name string, v uint32) error {
	reg, ok := namedRegister[name]
	if !ok {
		return linkerr.New(linkerr.KindUnsupportedRegister, name, nil)
	}
	if _, err := l.uv.Evaluate(fmt.Sprintf("%s = 0x%X", reg, v)); err != nil {
		return linkerr.New(linkerr.KindTransport, fmt.Sprintf("write_reg(%s)", name), err)
	}
	return nil
}

func (l *Link) Halt() error {
	if err := l.uv.Execute("BS"); err != nil {
		return linkerr.New(linkerr.KindTransport, "halt", err)
	}
	return nil
}

func (l *Link) Go() error {
	if err := l.uv.Execute("G"); err != nil {
		return linkerr.New(linkerr.KindTransport, "go", err)
	}
	return nil
}

// Step is Unsupported on Keil COM in some configurations (spec.md §4.A):
// uVision's automation interface exposes no single-instruction-step verb
// distinct from a breakpoint-bounded "G", so this driver always reports it
// unsupported rather than approximate it.
func (l *Link) Step() error {
	return linkerr.New(linkerr.KindUnsupported, "step", nil)
}

func (l *Link) Reset() error {
	if err := l.uv.Execute("RESET"); err != nil {
		return linkerr.New(linkerr.KindTransport, "reset", err)
	}
	return nil
}

func (l *Link) Halted() (bool, error) {
	state, err := l.uv.DebuggerState()
	if err != nil {
		return false, linkerr.New(linkerr.KindTransport, "halted", err)
	}
	return state == StateStopped, nil
}

// InvalidateCache is a no-op: uVision owns the debug connection outright in
// this driver and keeps its own state coherent.
func (l *Link) InvalidateCache() {}

func (l *Link) Close() error {
	return nil
}
