package vmm

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/nanvix/microvm/internal/hv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flushRecorder wraps a buffer and counts Flush calls.
type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() error {
	f.flushes++
	return nil
}

type failingReader struct{ err error }

func (r failingReader) Read(p []byte) (int, error) { return 0, r.err }

func TestConsoleWrite(t *testing.T) {
	out := &flushRecorder{}
	dev := &consolePort{out: out, in: strings.NewReader("")}

	for _, chunk := range [][]byte{
		[]byte("Hello"),
		[]byte(", "),
		[]byte("world!\n"),
	} {
		require.NoError(t, dev.WriteIOPort(consolePortNum, chunk))
	}

	assert.Equal(t, "Hello, world!\n", out.String())
	assert.Equal(t, 3, out.flushes)
}

func TestConsoleRead(t *testing.T) {
	dev := &consolePort{out: io.Discard, in: strings.NewReader("AB")}

	buf := make([]byte, 1)

	require.NoError(t, dev.ReadIOPort(consolePortNum, buf))
	assert.Equal(t, []byte("A"), buf)

	require.NoError(t, dev.ReadIOPort(consolePortNum, buf))
	assert.Equal(t, []byte("B"), buf)

	// End of stream is not an error: the guest reads zeros.
	buf[0] = 0xff
	require.NoError(t, dev.ReadIOPort(consolePortNum, buf))
	assert.Equal(t, []byte{0}, buf)
}

func TestConsoleReadPartial(t *testing.T) {
	dev := &consolePort{out: io.Discard, in: strings.NewReader("AB")}

	buf := []byte{0xff, 0xff, 0xff, 0xff}
	require.NoError(t, dev.ReadIOPort(consolePortNum, buf))

	// Two stream bytes, then zero padding.
	assert.Equal(t, []byte{'A', 'B', 0, 0}, buf)
}

func TestConsoleReadError(t *testing.T) {
	readErr := errors.New("stream broken")
	dev := &consolePort{out: io.Discard, in: failingReader{err: readErr}}

	err := dev.ReadIOPort(consolePortNum, make([]byte, 1))
	require.ErrorIs(t, err, readErr)
}

func TestShutdownPort(t *testing.T) {
	dev := acpiShutdown{}

	// The magic 16-bit value requests shutdown.
	err := dev.WriteIOPort(shutdownPortNum, []byte{0x00, 0x20})
	require.ErrorIs(t, err, hv.ErrGuestShutdown)

	// Any other value is ignored.
	require.NoError(t, dev.WriteIOPort(shutdownPortNum, []byte{0x01, 0x20}))
	require.NoError(t, dev.WriteIOPort(shutdownPortNum, []byte{0x00}))
	require.NoError(t, dev.WriteIOPort(shutdownPortNum, []byte{0x00, 0x20, 0x00, 0x00}))

	// Reads are ignored and leave the payload untouched.
	buf := []byte{0xaa, 0xbb}
	require.NoError(t, dev.ReadIOPort(shutdownPortNum, buf))
	assert.Equal(t, []byte{0xaa, 0xbb}, buf)
}
