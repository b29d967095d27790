package agdi

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiver_CachesPushedChunk(t *testing.T) {
	recv := NewReceiver("127.0.0.1:0")
	stop := make(chan struct{})

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	recv.Addr = lst.Addr().String()
	lst.Close()

	go recv.Serve(stop)
	defer close(stop)

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", recv.Addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("hello world")
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], 0x2000_0000)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	_, err = conn.Write(append(header, payload...))
	require.NoError(t, err)

	// Give handle() a moment to process the push.
	deadline := time.Now().Add(time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		got, _ = recv.readCached(0x2000_0000+2, 5)
		if got != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, got)
	assert.Equal(t, "llo w", string(got))
}

func TestLink_ReadMem_UncachedReturnsZeros(t *testing.T) {
	recv := NewReceiver("127.0.0.1:0")
	l := Attach(recv)
	data, err := l.ReadMem(0x1000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
}

func TestLink_ControlOpsUnsupported(t *testing.T) {
	l := Attach(NewReceiver("127.0.0.1:0"))
	assert.Error(t, l.Halt())
	assert.Error(t, l.Go())
	assert.Error(t, l.Step())
	assert.Error(t, l.Reset())
	halted, err := l.Halted()
	assert.NoError(t, err)
	assert.False(t, halted)
}
