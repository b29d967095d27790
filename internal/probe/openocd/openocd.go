// Package openocd implements the Link capability set as a TCP client of
// OpenOCD's Tcl RPC server (spec.md §4.A.2, §6), the same 0x1A-terminated
// command framing OpenOCD has used since its Tcl port was added.
package openocd

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/moment-NEW/rttbridge/internal/linkerr"
	"github.com/moment-NEW/rttbridge/internal/logging"
)

var log = logging.For("openocd")

const separator = 0x1A

// Link is a Tcl-RPC client for OpenOCD's "localhost:6666" command socket.
type Link struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to addr (typically "127.0.0.1:6666").
func Dial(addr string, timeout time.Duration) (*Link, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, linkerr.New(linkerr.KindTransport, "dial openocd", err)
	}
	l := &Link{conn: conn, r: bufio.NewReader(conn)}
	log.WithField("addr", addr).Info("openocd tcl-rpc connected")
	return l, nil
}

// command sends cmd terminated with the 0x1A separator and returns the
// response with its own trailing separator stripped.
func (l *Link) command(cmd string) (string, error) {
	if _, err := l.conn.Write(append([]byte(cmd), separator)); err != nil {
		return "", linkerr.New(linkerr.KindTransport, "openocd write", err)
	}
	resp, err := l.r.ReadString(separator)
	if err != nil {
		return "", linkerr.New(linkerr.KindTransport, "openocd read", err)
	}
	return strings.TrimSuffix(resp, string(rune(separator))), nil
}

func (l *Link) ReadMem(addr uint32, n int) ([]byte, error) {
	resp, err := l.command(fmt.Sprintf("mdb 0x%x %d", addr, n))
	if err != nil {
		return nil, err
	}
	return parseMdb(resp, n)
}

// parseMdb parses OpenOCD's "mdb" response, a sequence of whitespace
// separated "addr: b0 b1 b2 ... " lines, into raw bytes.
func parseMdb(resp string, want int) ([]byte, error) {
	out := make([]byte, 0, want)
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		for _, p := range parts {
			if strings.HasSuffix(p, ":") {
				continue
			}
			v, err := strconv.ParseUint(p, 16, 8)
			if err != nil {
				return nil, linkerr.New(linkerr.KindBusFault, "parse mdb response", err)
			}
			out = append(out, byte(v))
		}
	}
	if len(out) < want {
		return nil, linkerr.New(linkerr.KindBusFault, "short mdb response", nil)
	}
	return out[:want], nil
}

func (l *Link) WriteMem(addr uint32, data []byte) error {
	for i, b := range data {
		if _, err := l.command(fmt.Sprintf("mwb 0x%x 0x%02x", addr+uint32(i), b)); err != nil {
			return err
		}
	}
	return nil
}

func (l *Link) ReadU32(addr uint32) (uint32, error) {
	resp, err := l.command(fmt.Sprintf("mdw 0x%x", addr))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(resp)
	if len(fields) < 2 {
		return 0, linkerr.New(linkerr.KindBusFault, "short mdw response", nil)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(fields[len(fields)-1]), 16, 32)
	if err != nil {
		return 0, linkerr.New(linkerr.KindBusFault, "parse mdw response", err)
	}
	return uint32(v), nil
}

func (l *Link) WriteU32(addr uint32, v uint32) error {
	_, err := l.command(fmt.Sprintf("mww 0x%x 0x%x", addr, v))
	return err
}

func (l *Link) ReadReg(name string) (uint32, error) {
	resp, err := l.command("reg " + name)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(resp)
	if len(fields) < 2 {
		return 0, linkerr.New(linkerr.KindUnsupportedRegister, name, nil)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(fields[len(fields)-1], "0x"), 16, 32)
	if err != nil {
		return 0, linkerr.New(linkerr.KindUnsupportedRegister, name, err)
	}
	return uint32(v), nil
}

func (l *Link) WriteReg(name string, v uint32) error {
	_, err := l.command(fmt.Sprintf("reg %s 0x%x", name, v))
	return err
}

func (l *Link) Halt() error {
	_, err := l.command("halt")
	return err
}

func (l *Link) Go() error {
	_, err := l.command("resume")
	return err
}

func (l *Link) Step() error {
	_, err := l.command("step")
	return err
}

func (l *Link) Reset() error {
	_, err := l.command("reset halt")
	return err
}

func (l *Link) Halted() (bool, error) {
	resp, err := l.command("targets")
	if err != nil {
		return false, err
	}
	return strings.Contains(resp, "halted"), nil
}

// InvalidateCache is a no-op: OpenOCD owns its own DAP state and this driver
// never runs in shared mode.
func (l *Link) InvalidateCache() {}

func (l *Link) Close() error {
	return l.conn.Close()
}
