package openocd

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks OpenOCD's 0x1A-terminated Tcl-RPC framing and answers a
// fixed script of canned responses keyed by command prefix, mirroring what a
// real `openocd -c "tcl_port 6666"` process returns for mdb/mwb/mdw/mww/reg/
// halt/resume/step/reset/targets.
type fakeServer struct {
	ln net.Listener
}

func startFakeServer(t *testing.T) (*fakeServer, string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeServer{ln: ln}
	go fs.serve(t)
	return fs, ln.Addr().String()
}

func (fs *fakeServer) serve(t *testing.T) {
	conn, err := fs.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		cmd, err := r.ReadString(separator)
		if err != nil {
			return
		}
		cmd = strings.TrimSuffix(cmd, string(rune(separator)))
		resp := fs.respond(cmd)
		if _, err := conn.Write(append([]byte(resp), separator)); err != nil {
			return
		}
	}
}

func (fs *fakeServer) respond(cmd string) string {
	switch {
	case strings.HasPrefix(cmd, "mdb "):
		return "0x20000000: de ad be ef "
	case strings.HasPrefix(cmd, "mwb "):
		return ""
	case strings.HasPrefix(cmd, "mdw "):
		return "0x20000000: deadbeef"
	case strings.HasPrefix(cmd, "mww "):
		return ""
	case cmd == "reg pc":
		return "pc (/32): 0x08000123"
	case strings.HasPrefix(cmd, "reg pc "):
		return ""
	case cmd == "reg bogus":
		return "bogus"
	case cmd == "halt":
		return ""
	case cmd == "resume":
		return ""
	case cmd == "step":
		return ""
	case cmd == "reset halt":
		return ""
	case cmd == "targets":
		return "    1* mycore             cortex_m             little arm halted"
	default:
		return ""
	}
}

func (fs *fakeServer) Close() { fs.ln.Close() }

func dialFake(t *testing.T) (*Link, *fakeServer) {
	fs, addr := startFakeServer(t)
	l, err := Dial(addr, 2*time.Second)
	require.NoError(t, err)
	return l, fs
}

func TestDial_Connects(t *testing.T) {
	l, fs := dialFake(t)
	defer fs.Close()
	assert.NotNil(t, l)
}

func TestReadMem_ParsesMdbResponse(t *testing.T) {
	l, fs := dialFake(t)
	defer fs.Close()
	data, err := l.ReadMem(0x2000_0000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, data)
}

func TestParseMdb_ShortResponseIsBusFault(t *testing.T) {
	_, err := parseMdb("0x20000000: de ad", 4)
	require.Error(t, err)
}

func TestReadU32_ParsesMdwResponse(t *testing.T) {
	l, fs := dialFake(t)
	defer fs.Close()
	v, err := l.ReadU32(0x2000_0000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)
}

func TestWriteU32_SendsMww(t *testing.T) {
	l, fs := dialFake(t)
	defer fs.Close()
	require.NoError(t, l.WriteU32(0x2000_0000, 0xcafef00d))
}

func TestWriteMem_SendsOneMwbPerByte(t *testing.T) {
	l, fs := dialFake(t)
	defer fs.Close()
	require.NoError(t, l.WriteMem(0x2000_0000, []byte{0x01, 0x02, 0x03}))
}

func TestWriteReg_SendsRegAssignment(t *testing.T) {
	l, fs := dialFake(t)
	defer fs.Close()
	require.NoError(t, l.WriteReg("pc", 0x08000456))
}

func TestReadReg_ParsesRegResponse(t *testing.T) {
	l, fs := dialFake(t)
	defer fs.Close()
	v, err := l.ReadReg("pc")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x08000123), v)
}

func TestReadReg_UnparsableIsUnsupportedRegister(t *testing.T) {
	l, fs := dialFake(t)
	defer fs.Close()
	_, err := l.ReadReg("bogus")
	require.Error(t, err)
}

func TestHaltGoStepReset_SendExpectedCommands(t *testing.T) {
	l, fs := dialFake(t)
	defer fs.Close()
	require.NoError(t, l.Halt())
	require.NoError(t, l.Go())
	require.NoError(t, l.Step())
	require.NoError(t, l.Reset())
}

func TestHalted_TrueWhenTargetsReportsHalted(t *testing.T) {
	l, fs := dialFake(t)
	defer fs.Close()
	halted, err := l.Halted()
	require.NoError(t, err)
	assert.True(t, halted)
}

func TestClose_ClosesConnection(t *testing.T) {
	l, fs := dialFake(t)
	defer fs.Close()
	require.NoError(t, l.Close())
}
