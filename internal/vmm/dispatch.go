package vmm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nanvix/microvm/internal/hv"
)

const (
	// consolePortNum is the paravirtual character port: OUT emits
	// bytes on the guest stdout stream, IN consumes bytes from the
	// guest stdin stream.
	consolePortNum = 0xe9

	// shutdownPortNum accepts the ACPI-style shutdown request.
	shutdownPortNum  = 0x604
	shutdownMagic    = 0x2000
	shutdownArgWidth = 2
)

type flusher interface {
	Flush() error
}

// consolePort services the character port. One guest OUT of n bytes is
// one host write of exactly n bytes, flushed immediately; end of the
// input stream is not an error, the guest just reads zeros.
type consolePort struct {
	out io.Writer
	in  io.Reader
}

func (d *consolePort) Init(vm hv.VirtualMachine) error { return nil }

func (d *consolePort) IOPorts() []uint16 { return []uint16{consolePortNum} }

func (d *consolePort) WriteIOPort(port uint16, data []byte) error {
	if _, err := d.out.Write(data); err != nil {
		return fmt.Errorf("write guest stdout: %w", err)
	}

	if f, ok := d.out.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush guest stdout: %w", err)
		}
	}

	return nil
}

func (d *consolePort) ReadIOPort(port uint16, data []byte) error {
	clear(data)

	if _, err := io.ReadFull(d.in, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		return fmt.Errorf("read guest stdin: %w", err)
	}

	return nil
}

// acpiShutdown services the shutdown port. Only a 16-bit write of the
// magic value counts; everything else on the port is ignored.
type acpiShutdown struct{}

func (acpiShutdown) Init(vm hv.VirtualMachine) error { return nil }

func (acpiShutdown) IOPorts() []uint16 { return []uint16{shutdownPortNum} }

func (acpiShutdown) WriteIOPort(port uint16, data []byte) error {
	if len(data) == shutdownArgWidth && binary.LittleEndian.Uint16(data) == shutdownMagic {
		return hv.ErrGuestShutdown
	}

	return nil
}

func (acpiShutdown) ReadIOPort(port uint16, data []byte) error { return nil }

var (
	_ hv.X86IOPortDevice = &consolePort{}
	_ hv.X86IOPortDevice = acpiShutdown{}
)
