// Package dap implements the two CMSIS-DAP drivers (owned and shared) and
// the DAP Arbitrator that lets this tool coexist with a primary IDE already
// owning the probe (spec.md §4.A.4-5, §4.C).
//
// The underlying USB protocol is, like the other vendor transports, an
// external collaborator: it is modeled behind the ProbeImpl interface so the
// arbitration and AP-memory-access logic (the actual hard part) can be
// exercised without a real CMSIS-DAP device attached.
package dap

import (
	"fmt"
	"time"

	"github.com/moment-NEW/rttbridge/internal/linkerr"
	"github.com/moment-NEW/rttbridge/internal/logging"
)

var log = logging.For("dap")

// Protocol selects the wire protocol CMSIS-DAP should use.
type Protocol string

const (
	ProtocolSWD  Protocol = "SWD"
	ProtocolJTAG Protocol = "JTAG"
)

// Probe names one CMSIS-DAP probe and holds the ProbeImpl transport that
// carries its DP/AP register and memory accesses.
type Probe struct {
	ProductName string
	UniqueID    string
	impl        ProbeImpl
}

// ProbeImpl is the subset of a CMSIS-DAP probe's DP/AP register access this
// package needs, implemented by the concrete USB transport. A real
// implementation drives the vendor's USB HID/WinUSB protocol;
// InvalidateCachedRegisters drops any cached copy of DP SELECT and the
// currently selected AP bank so the next access re-asserts it.
type ProbeImpl interface {
	Open() error
	Close() error
	Connect(proto Protocol) error
	SetClockHz(hz int) error
	ReadAPReg(apSel uint8, addr uint8) (uint32, error)
	WriteAPReg(apSel uint8, addr uint8, v uint32) error
	ReadDPReg(addr uint8) (uint32, error)
	WriteDPReg(addr uint8, v uint32) error
	ReadMem(addr uint32, n int) ([]byte, error)
	WriteMem(addr uint32, data []byte) error
	InvalidateCachedRegisters()
}

// NewProbe wraps a concrete ProbeImpl.
func NewProbe(productName, uniqueID string, impl ProbeImpl) *Probe {
	return &Probe{ProductName: productName, UniqueID: uniqueID, impl: impl}
}

// AP register addresses used by AHB-AP init (ARM ADIv5).
const (
	apIDR = 0xFC
)

// Arbitrator preserves correctness when a second host process (typically an
// IDE) shares the physical probe (spec.md §4.C). BeforeXact drops any
// cached DP SELECT so the next bus cycle re-asserts it from scratch;
// AfterXact sleeps a small yield when operating in shared mode.
type Arbitrator struct {
	probe  *Probe
	shared bool
}

// NewArbitrator returns an Arbitrator bound to probe, operating in shared or
// owned mode per shared.
func NewArbitrator(probe *Probe, shared bool) *Arbitrator {
	return &Arbitrator{probe: probe, shared: shared}
}

// Shared reports whether the arbitrator is operating in shared mode.
func (a *Arbitrator) Shared() bool { return a.shared }

// BeforeXact invalidates the probe's cached DP SELECT/AP-bank state. A
// second bus master may have rewritten SELECT since our last access;
// without this, the probe would silently address the wrong AP or bank.
func (a *Arbitrator) BeforeXact() {
	if a.shared {
		a.probe.impl.InvalidateCachedRegisters()
	}
}

// AfterXact sleeps hint if operating in shared mode, bounding contention
// with the primary debugger. Owned mode never sleeps here.
func (a *Arbitrator) AfterXact(hint time.Duration) {
	if a.shared && hint > 0 {
		time.Sleep(hint)
	}
}

// RingReadYield and VarReadYield are the two standard AfterXact hints named
// in spec.md §4.C.
const (
	RingReadYield = 5 * time.Millisecond
	VarReadYield  = 2 * time.Millisecond
)

// Owned performs standard CMSIS-DAP init (power up debug domain, set clock,
// initialise AHB-AP 0) and does not need to invalidate caches on every
// transaction: nothing else is touching the probe.
type Owned struct {
	probe *Probe
	ap    uint8
}

// OpenOwned performs full DAP bring-up: power_up_debug, set_clock, AP init.
func OpenOwned(probe *Probe, proto Protocol, speedHz int) (*Owned, error) {
	if err := probe.impl.Open(); err != nil {
		return nil, linkerr.New(linkerr.KindTransport, "dap open", err)
	}
	if err := probe.impl.Connect(proto); err != nil {
		return nil, linkerr.New(linkerr.KindTransport, "dap connect", err)
	}
	if err := powerUpDebug(probe); err != nil {
		return nil, err
	}
	if err := probe.impl.SetClockHz(speedHz); err != nil {
		return nil, linkerr.New(linkerr.KindTransport, "dap set_clock", err)
	}
	if err := initAHBAP(probe, 0); err != nil {
		return nil, err
	}
	log.WithField("probe", probe.ProductName).Info("CMSIS-DAP owned-mode init complete")
	return &Owned{probe: probe, ap: 0}, nil
}

func powerUpDebug(p *Probe) error {
	// ADIv5 CTRL/STAT: request debug + system power-up, poll for ack.
	const ctrlStat = 0x04
	const cdbgpwrupreq = 1 << 28
	const csyspwrupreq = 1 << 30
	if err := p.impl.WriteDPReg(ctrlStat, cdbgpwrupreq|csyspwrupreq); err != nil {
		return linkerr.New(linkerr.KindTransport, "power_up_debug", err)
	}
	for i := 0; i < 10; i++ {
		v, err := p.impl.ReadDPReg(ctrlStat)
		if err != nil {
			return linkerr.New(linkerr.KindTransport, "power_up_debug poll", err)
		}
		if v&(1<<29) != 0 && v&(1<<31) != 0 {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return linkerr.New(linkerr.KindBusFault, "power_up_debug timeout", nil)
}

func initAHBAP(p *Probe, ap uint8) error {
	idr, err := p.impl.ReadAPReg(ap, apIDR)
	if err != nil {
		return linkerr.New(linkerr.KindBusFault, "AHB-AP init: read IDR", err)
	}
	if idr == 0 {
		return linkerr.New(linkerr.KindBusFault, "AHB-AP init: IDR is zero", nil)
	}
	return nil
}

func (o *Owned) ReadMem(addr uint32, n int) ([]byte, error) {
	data, err := o.probe.impl.ReadMem(addr, n)
	if err != nil {
		return nil, linkerr.New(linkerr.KindTransport, "read_mem", err)
	}
	return data, nil
}

func (o *Owned) WriteMem(addr uint32, data []byte) error {
	if err := o.probe.impl.WriteMem(addr, data); err != nil {
		return linkerr.New(linkerr.KindTransport, "write_mem", err)
	}
	return nil
}

func (o *Owned) ReadU32(addr uint32) (uint32, error) {
	data, err := o.ReadMem(addr, 4)
	if err != nil {
		return 0, err
	}
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24, nil
}

func (o *Owned) WriteU32(addr uint32, v uint32) error {
	return o.WriteMem(addr, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

var coreRegisterIndex = map[string]uint8{
	"r0": 0, "r1": 1, "r2": 2, "r3": 3, "r4": 4, "r5": 5, "r6": 6, "r7": 7,
	"r8": 8, "r9": 9, "r10": 10, "r11": 11, "r12": 12,
	"sp": 13, "lr": 14, "pc": 15, "xpsr": 16,
}

func (o *Owned) ReadReg(name string) (uint32, error) {
	idx, ok := coreRegisterIndex[name]
	if !ok {
		return 0, linkerr.New(linkerr.KindUnsupportedRegister, name, nil)
	}
	v, err := o.probe.impl.ReadAPReg(o.ap, idx)
	if err != nil {
		return 0, linkerr.New(linkerr.KindTransport, fmt.Sprintf("read_reg(%s)", name), err)
	}
	return v, nil
}

func (o *Owned) WriteReg(name string, v uint32) error {
	idx, ok := coreRegisterIndex[name]
	if !ok {
		return linkerr.New(linkerr.KindUnsupportedRegister, name, nil)
	}
	if err := o.probe.impl.WriteAPReg(o.ap, idx, v); err != nil {
		return linkerr.New(linkerr.KindTransport, fmt.Sprintf("write_reg(%s)", name), err)
	}
	return nil
}

func (o *Owned) Halt() error { return haltVia(o.probe) }
func (o *Owned) Go() error   { return goVia(o.probe) }
func (o *Owned) Step() error {
	halted, err := o.Halted()
	if err != nil {
		return err
	}
	if !halted {
		return linkerr.New(linkerr.KindNotHalted, "step", nil)
	}
	return stepVia(o.probe)
}
func (o *Owned) Reset() error { return resetVia(o.probe) }
func (o *Owned) Halted() (bool, error) {
	return haltedVia(o.probe)
}

// InvalidateCache is a no-op in owned mode: nothing else touches the probe.
func (o *Owned) InvalidateCache() {}

func (o *Owned) Close() error {
	if err := o.probe.impl.Close(); err != nil {
		return linkerr.New(linkerr.KindTransport, "close", err)
	}
	return nil
}

// Shared does not perform full DAP init. It opens the probe, forces SWD,
// and relies on the Arbitrator to invalidate cached DP/AP state before every
// transaction. The first three AP IDR reads are retried with a 50ms
// back-off (spec.md §4.A.5) to ride out contention with the primary IDE.
type Shared struct {
	probe *Probe
	arb   *Arbitrator
	ap    uint8
}

// OpenShared opens probe in shared mode: forces SWD, skips owned-mode init,
// and verifies the connection with retried IDR reads.
func OpenShared(probe *Probe, speedHz int) (*Shared, error) {
	if err := probe.impl.Open(); err != nil {
		return nil, linkerr.New(linkerr.KindTransport, "dap open", err)
	}
	if err := probe.impl.Connect(ProtocolSWD); err != nil {
		return nil, linkerr.New(linkerr.KindTransport, "dap connect (forced SWD)", err)
	}
	if err := probe.impl.SetClockHz(speedHz); err != nil {
		return nil, linkerr.New(linkerr.KindTransport, "dap set_clock", err)
	}
	arb := NewArbitrator(probe, true)

	var idr uint32
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		arb.BeforeXact()
		idr, err = probe.impl.ReadAPReg(0, apIDR)
		if err == nil && idr != 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if idr == 0 {
		return nil, linkerr.New(linkerr.KindBusFault, "shared AHB-AP IDR read failed after retries", err)
	}

	log.WithField("probe", probe.ProductName).Info("CMSIS-DAP shared-mode attach complete")
	return &Shared{probe: probe, arb: arb, ap: 0}, nil
}

// Arbitrator exposes the Shared driver's arbitrator so the Poll Scheduler
// can query shared mode and throttle its tick rate accordingly.
func (s *Shared) Arbitrator() *Arbitrator { return s.arb }

func (s *Shared) ReadMem(addr uint32, n int) ([]byte, error) {
	s.arb.BeforeXact()
	defer s.arb.AfterXact(RingReadYield)
	data, err := s.probe.impl.ReadMem(addr, n)
	if err != nil {
		return nil, linkerr.New(linkerr.KindTransport, "read_mem", err)
	}
	return data, nil
}

func (s *Shared) WriteMem(addr uint32, data []byte) error {
	s.arb.BeforeXact()
	defer s.arb.AfterXact(RingReadYield)
	if err := s.probe.impl.WriteMem(addr, data); err != nil {
		return linkerr.New(linkerr.KindTransport, "write_mem", err)
	}
	return nil
}

func (s *Shared) ReadU32(addr uint32) (uint32, error) {
	data, err := s.ReadMem(addr, 4)
	if err != nil {
		return 0, err
	}
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24, nil
}

func (s *Shared) WriteU32(addr uint32, v uint32) error {
	return s.WriteMem(addr, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func (s *Shared) ReadReg(name string) (uint32, error) {
	idx, ok := coreRegisterIndex[name]
	if !ok {
		return 0, linkerr.New(linkerr.KindUnsupportedRegister, name, nil)
	}
	s.arb.BeforeXact()
	defer s.arb.AfterXact(VarReadYield)
	v, err := s.probe.impl.ReadAPReg(s.ap, idx)
	if err != nil {
		return 0, linkerr.New(linkerr.KindTransport, fmt.Sprintf("read_reg(%s)", name), err)
	}
	return v, nil
}

func (s *Shared) WriteReg(name string, v uint32) error {
	idx, ok := coreRegisterIndex[name]
	if !ok {
		return linkerr.New(linkerr.KindUnsupportedRegister, name, nil)
	}
	s.arb.BeforeXact()
	defer s.arb.AfterXact(VarReadYield)
	if err := s.probe.impl.WriteAPReg(s.ap, idx, v); err != nil {
		return linkerr.New(linkerr.KindTransport, fmt.Sprintf("write_reg(%s)", name), err)
	}
	return nil
}

func (s *Shared) Halt() error {
	s.arb.BeforeXact()
	defer s.arb.AfterXact(VarReadYield)
	return haltVia(s.probe)
}

func (s *Shared) Go() error {
	s.arb.BeforeXact()
	defer s.arb.AfterXact(VarReadYield)
	return goVia(s.probe)
}

func (s *Shared) Step() error {
	halted, err := s.Halted()
	if err != nil {
		return err
	}
	if !halted {
		return linkerr.New(linkerr.KindNotHalted, "step", nil)
	}
	s.arb.BeforeXact()
	defer s.arb.AfterXact(VarReadYield)
	return stepVia(s.probe)
}

func (s *Shared) Reset() error {
	s.arb.BeforeXact()
	defer s.arb.AfterXact(VarReadYield)
	return resetVia(s.probe)
}

func (s *Shared) Halted() (bool, error) {
	s.arb.BeforeXact()
	defer s.arb.AfterXact(VarReadYield)
	return haltedVia(s.probe)
}

// InvalidateCache lets an outside caller (the Variable Sampler, before each
// variable read) force a cache drop between reads, matching the original's
// xlk_invalidate_cache calls.
func (s *Shared) InvalidateCache() {
	s.probe.impl.InvalidateCachedRegisters()
}

func (s *Shared) Close() error {
	if err := s.probe.impl.Close(); err != nil {
		return linkerr.New(linkerr.KindTransport, "close", err)
	}
	return nil
}

// Cortex-M debug halt/run control registers (ARMv7-M DHCSR), shared by the
// Owned and Shared drivers since both ultimately drive the same AHB-AP.
const (
	dhcsrAddr       = 0xE000EDF0
	dhcsrDbgKey     = 0xA05F0000
	dhcsrCDebugen   = 1 << 0
	dhcsrCHaltReq   = 1 << 1
	dhcsrCStep      = 1 << 2
	dhcsrSHalted    = 1 << 17
	aircrAddr       = 0xE000ED0C
	aircrVectkey    = 0x05FA0000
	aircrSysresetreq = 1 << 2
)

func writeDHCSR(p *Probe, bits uint32) error {
	data := make([]byte, 4)
	v := dhcsrDbgKey | dhcsrCDebugen | bits
	data[0], data[1], data[2], data[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return p.impl.WriteMem(dhcsrAddr, data)
}

func haltVia(p *Probe) error {
	if err := writeDHCSR(p, dhcsrCHaltReq); err != nil {
		return linkerr.New(linkerr.KindTransport, "halt", err)
	}
	return nil
}

func goVia(p *Probe) error {
	if err := writeDHCSR(p, 0); err != nil {
		return linkerr.New(linkerr.KindTransport, "go", err)
	}
	return nil
}

func stepVia(p *Probe) error {
	if err := writeDHCSR(p, dhcsrCHaltReq|dhcsrCStep); err != nil {
		return linkerr.New(linkerr.KindTransport, "step", err)
	}
	return nil
}

func resetVia(p *Probe) error {
	data := []byte{0, 0, 0, 0}
	v := uint32(aircrVectkey | aircrSysresetreq)
	data[0], data[1], data[2], data[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	if err := p.impl.WriteMem(aircrAddr, data); err != nil {
		return linkerr.New(linkerr.KindTransport, "reset", err)
	}
	return nil
}

func haltedVia(p *Probe) (bool, error) {
	data, err := p.impl.ReadMem(dhcsrAddr, 4)
	if err != nil {
		return false, linkerr.New(linkerr.KindTransport, "halted", err)
	}
	v := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	return v&dhcsrSHalted != 0, nil
}
