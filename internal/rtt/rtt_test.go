package rtt

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLink is a minimal in-memory link.Link backed by a flat byte array,
// enough to exercise the RTT engine's memory-access pattern.
type fakeLink struct {
	mem map[uint32]byte
}

func newFakeLink() *fakeLink {
	return &fakeLink{mem: map[uint32]byte{}}
}

func (f *fakeLink) set(addr uint32, data []byte) {
	for i, b := range data {
		f.mem[addr+uint32(i)] = b
	}
}

func (f *fakeLink) ReadMem(addr uint32, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = f.mem[addr+uint32(i)]
	}
	return out, nil
}

func (f *fakeLink) WriteMem(addr uint32, data []byte) error {
	f.set(addr, data)
	return nil
}

func (f *fakeLink) ReadU32(addr uint32) (uint32, error) {
	data, _ := f.ReadMem(addr, 4)
	return binary.LittleEndian.Uint32(data), nil
}

func (f *fakeLink) WriteU32(addr uint32, v uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, v)
	return f.WriteMem(addr, data)
}

func (f *fakeLink) ReadReg(string) (uint32, error)    { return 0, nil }
func (f *fakeLink) WriteReg(string, uint32) error     { return nil }
func (f *fakeLink) Halt() error                       { return nil }
func (f *fakeLink) Go() error                         { return nil }
func (f *fakeLink) Step() error                       { return nil }
func (f *fakeLink) Reset() error                      { return nil }
func (f *fakeLink) Halted() (bool, error)              { return true, nil }
func (f *fakeLink) InvalidateCache()                   {}
func (f *fakeLink) Close() error                       { return nil }

func putRing(f *fakeLink, addr uint32, bufAddr, size, wr, rd uint32) {
	data := make([]byte, ringBufferSize)
	binary.LittleEndian.PutUint32(data[0:4], 0)
	binary.LittleEndian.PutUint32(data[4:8], bufAddr)
	binary.LittleEndian.PutUint32(data[8:12], size)
	binary.LittleEndian.PutUint32(data[12:16], wr)
	binary.LittleEndian.PutUint32(data[16:20], rd)
	binary.LittleEndian.PutUint32(data[20:24], 0)
	f.set(addr, data)
}

const upAddr = 0x2000_1000
const bufAddr = 0x2000_2000

func TestDrainUp_S1_NoWrap(t *testing.T) {
	f := newFakeLink()
	putRing(f, upAddr, bufAddr, 16, 10, 3)
	f.set(bufAddr+3, []byte("HELLO!!"))

	data, err := DrainUp(f, upAddr)
	require.NoError(t, err)
	assert.Equal(t, "HELLO!!", string(data))

	rd, _ := f.ReadU32(upAddr + 16)
	assert.Equal(t, uint32(10), rd)
}

func TestDrainUp_S2_WrapTailThenHead(t *testing.T) {
	f := newFakeLink()
	putRing(f, upAddr, bufAddr, 16, 2, 12)
	f.set(bufAddr+12, []byte("WXYZ"))
	f.set(bufAddr+0, []byte("AB"))

	data, err := DrainUp(f, upAddr)
	require.NoError(t, err)
	assert.Equal(t, "WXYZ", string(data))
	rd, _ := f.ReadU32(upAddr + 16)
	assert.Equal(t, uint32(0), rd)

	// second tick picks up the head
	data, err = DrainUp(f, upAddr)
	require.NoError(t, err)
	assert.Equal(t, "AB", string(data))
	rd, _ = f.ReadU32(upAddr + 16)
	assert.Equal(t, uint32(2), rd)
}

func TestDrainUp_Empty(t *testing.T) {
	f := newFakeLink()
	putRing(f, upAddr, bufAddr, 16, 5, 5)
	data, err := DrainUp(f, upAddr)
	require.NoError(t, err)
	assert.Empty(t, data)
}

const downAddr = 0x2000_3000

func TestFillDown_S3_RingAlreadyFull(t *testing.T) {
	f := newFakeLink()
	putRing(f, downAddr, bufAddr, 8, 6, 7)

	n, err := FillDown(f, downAddr, []byte("XY"))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "ring already full (WrOff == RdOff-1 mod size): writes append zero bytes")

	wr, _ := f.ReadU32(downAddr + 12)
	assert.Equal(t, uint32(6), wr)
}

func TestFillDown_SimpleAppend(t *testing.T) {
	f := newFakeLink()
	putRing(f, downAddr, bufAddr, 16, 0, 0)

	n, err := FillDown(f, downAddr, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, _ := f.ReadMem(bufAddr, 2)
	assert.Equal(t, "hi", string(got))
	wr, _ := f.ReadU32(downAddr + 12)
	assert.Equal(t, uint32(2), wr)
}

func TestFillDown_WrapCorrectness(t *testing.T) {
	// Property 3: for SizeOfBuffer in {3,5,16,1024,4096}, a write beginning
	// at WrOff=SizeOfBuffer-2 with |P|=5, RdOff=0, writes exactly one tail
	// byte (the limit is SizeOfBuffer-1) and zero head bytes (RdOff==0
	// forbids wrap).
	for _, size := range []uint32{3, 5, 16, 1024, 4096} {
		size := size
		t.Run("", func(t *testing.T) {
			f := newFakeLink()
			wrStart := size - 2
			putRing(f, downAddr, bufAddr, size, wrStart, 0)

			payload := []byte("ABCDE") // len 5
			n, err := FillDown(f, downAddr, payload)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestDiscover(t *testing.T) {
	f := newFakeLink()
	const seed = 0x2000_0000
	const sentinelOffset = 2047 // in slice 1 (1024..2079), local offset 1023

	cbAddr := seed + sentinelOffset
	data := make([]byte, 16)
	copy(data, []byte(Sentinel))
	f.set(cbAddr, data)
	maxUpDown := make([]byte, 8)
	binary.LittleEndian.PutUint32(maxUpDown[0:4], 1)
	binary.LittleEndian.PutUint32(maxUpDown[4:8], 1)
	f.set(cbAddr+16, maxUpDown)

	cb, err := Discover(f, seed)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x200007FF), cb.Addr)
	assert.Equal(t, uint32(1), cb.MaxNumUpBuffers)
	assert.Equal(t, uint32(1), cb.MaxNumDownBuffers)
}

func TestDiscover_NotFound(t *testing.T) {
	f := newFakeLink()
	_, err := Discover(f, 0x2000_0000)
	require.Error(t, err)
}

func TestDiscover_BoundaryOffsets(t *testing.T) {
	for _, offset := range []uint32{0, 1023, 1024, 1025, 65504} {
		offset := offset
		t.Run("", func(t *testing.T) {
			f := newFakeLink()
			const seed = 0x2000_0000
			data := make([]byte, 24)
			copy(data, []byte(Sentinel))
			binary.LittleEndian.PutUint32(data[16:20], 1)
			binary.LittleEndian.PutUint32(data[20:24], 1)
			f.set(seed+offset, data)

			cb, err := Discover(f, seed)
			require.NoError(t, err)
			assert.Equal(t, seed+offset, cb.Addr)
		})
	}
}

func TestDiscover_OutsideWindowNotFound(t *testing.T) {
	f := newFakeLink()
	const seed = 0x2000_0000
	data := make([]byte, 24)
	copy(data, []byte(Sentinel))
	f.set(seed+65536, data)

	_, err := Discover(f, seed)
	require.Error(t, err)
}
