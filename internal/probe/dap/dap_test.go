package dap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImpl struct {
	dp                  map[uint8]uint32
	ap                  map[uint8]uint32
	mem                 map[uint32]byte
	invalidateCalls     int
	secondMasterValue   uint32 // simulates a concurrent master rewriting a DP reg
}

func newFakeImpl() *fakeImpl {
	return &fakeImpl{
		dp:  map[uint8]uint32{0x04: (1 << 29) | (1 << 31)}, // CTRL/STAT already powered up
		ap:  map[uint8]uint32{apIDR: 0x2BA01477},
		mem: map[uint32]byte{},
	}
}

func (f *fakeImpl) Open() error                          { return nil }
func (f *fakeImpl) Close() error                         { return nil }
func (f *fakeImpl) Connect(Protocol) error                { return nil }
func (f *fakeImpl) SetClockHz(int) error                  { return nil }
func (f *fakeImpl) ReadAPReg(apSel uint8, addr uint8) (uint32, error) {
	if addr == apIDR {
		return f.ap[addr], nil
	}
	return f.ap[addr], nil
}
func (f *fakeImpl) WriteAPReg(apSel uint8, addr uint8, v uint32) error {
	f.ap[addr] = v
	return nil
}
func (f *fakeImpl) ReadDPReg(addr uint8) (uint32, error)  { return f.dp[addr], nil }
func (f *fakeImpl) WriteDPReg(addr uint8, v uint32) error { f.dp[addr] = v; return nil }
func (f *fakeImpl) ReadMem(addr uint32, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = f.mem[addr+uint32(i)]
	}
	return out, nil
}
func (f *fakeImpl) WriteMem(addr uint32, data []byte) error {
	for i, b := range data {
		f.mem[addr+uint32(i)] = b
	}
	// Simulate hardware latching S_HALTED in response to a C_HALTREQ write
	// to DHCSR, since the real debug unit (not this fake) is what actually
	// sets that status bit.
	if addr == dhcsrAddr && len(data) == 4 {
		v := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
		halted := v&dhcsrCHaltReq != 0
		var sv uint32
		if halted {
			sv = dhcsrSHalted
		}
		f.mem[dhcsrAddr], f.mem[dhcsrAddr+1], f.mem[dhcsrAddr+2], f.mem[dhcsrAddr+3] =
			byte(sv), byte(sv>>8), byte(sv>>16), byte(sv>>24)
	}
	return nil
}
func (f *fakeImpl) InvalidateCachedRegisters() { f.invalidateCalls++ }

func TestOpenOwned_InitSequence(t *testing.T) {
	impl := newFakeImpl()
	probe := NewProbe("J-Link", "000111222", impl)
	owned, err := OpenOwned(probe, ProtocolSWD, 4_000_000)
	require.NoError(t, err)
	assert.NotNil(t, owned)
}

func TestOpenOwned_ZeroIDRFails(t *testing.T) {
	impl := newFakeImpl()
	impl.ap[apIDR] = 0
	probe := NewProbe("bad", "x", impl)
	_, err := OpenOwned(probe, ProtocolSWD, 4_000_000)
	require.Error(t, err)
}

func TestOwned_HaltGoRoundTrip(t *testing.T) {
	impl := newFakeImpl()
	probe := NewProbe("J-Link", "x", impl)
	owned, err := OpenOwned(probe, ProtocolSWD, 4_000_000)
	require.NoError(t, err)

	require.NoError(t, owned.Halt())
	halted, err := owned.Halted()
	require.NoError(t, err)
	assert.True(t, halted)

	require.NoError(t, owned.Go())
	halted, err = owned.Halted()
	require.NoError(t, err)
	assert.False(t, halted)
}

func TestOwned_InvalidateCacheIsNoOp(t *testing.T) {
	impl := newFakeImpl()
	probe := NewProbe("J-Link", "x", impl)
	owned, err := OpenOwned(probe, ProtocolSWD, 4_000_000)
	require.NoError(t, err)
	owned.InvalidateCache()
	assert.Equal(t, 0, impl.invalidateCalls)
}

func TestOpenShared_RetriesIDR(t *testing.T) {
	impl := newFakeImpl()
	impl.ap[apIDR] = 0 // force retries; never recovers within the loop

	probe := NewProbe("CMSIS-DAP", "y", impl)
	_, err := OpenShared(probe, 4_000_000)
	require.Error(t, err)
}

// TestShared_InvalidatesBeforeEveryTransaction is the S6 property: every
// shared-mode transaction invalidates cached registers exactly once before
// issuing, regardless of what a concurrent second master does between
// calls.
func TestShared_InvalidatesBeforeEveryTransaction(t *testing.T) {
	impl := newFakeImpl()
	probe := NewProbe("CMSIS-DAP", "y", impl)
	shared, err := OpenShared(probe, 4_000_000)
	require.NoError(t, err)

	baseline := impl.invalidateCalls
	for i := 0; i < 100; i++ {
		_, err := shared.ReadMem(0x2000_0000, 4)
		require.NoError(t, err)
		assert.Equal(t, baseline+i+1, impl.invalidateCalls)

		// A concurrent second master rewrites an AP register (0xDE) between
		// calls; this must not corrupt the value the next ReadMem call
		// sees, since ReadMem doesn't touch AP registers at all.
		impl.ap[0xDE] = 0xDEAD
	}
}

func TestShared_StepRequiresHalted(t *testing.T) {
	impl := newFakeImpl()
	probe := NewProbe("CMSIS-DAP", "y", impl)
	shared, err := OpenShared(probe, 4_000_000)
	require.NoError(t, err)

	require.NoError(t, shared.Go())
	err = shared.Step()
	require.Error(t, err)
}

func TestArbitrator_BeforeXactOnlyInSharedMode(t *testing.T) {
	impl := newFakeImpl()
	probe := NewProbe("p", "u", impl)

	owned := NewArbitrator(probe, false)
	owned.BeforeXact()
	assert.Equal(t, 0, impl.invalidateCalls)

	shared := NewArbitrator(probe, true)
	shared.BeforeXact()
	assert.Equal(t, 1, impl.invalidateCalls)
}
