package boot

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/nanvix/microvm/internal/hv"
)

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

// memVM is an in-memory stand-in for a KVM virtual machine, enough to
// exercise image placement without /dev/kvm.
type memVM struct {
	mem []byte
}

func newMemVM(size uint64) *memVM {
	return &memVM{mem: make([]byte, size)}
}

func (m *memVM) MemorySize() uint64 { return uint64(len(m.mem)) }

func (m *memVM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, fmt.Errorf("ReadAt offset 0x%x out of bounds", off)
	}
	n := copy(p, m.mem[off:])
	if n < len(p) {
		return n, fmt.Errorf("short read")
	}
	return n, nil
}

func (m *memVM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, fmt.Errorf("WriteAt offset 0x%x out of bounds", off)
	}
	n := copy(m.mem[off:], p)
	if n < len(p) {
		return n, fmt.Errorf("short write")
	}
	return n, nil
}

func (m *memVM) Close() error                                             { return nil }
func (m *memVM) Hypervisor() hv.Hypervisor                                { return nil }
func (m *memVM) Run(ctx context.Context, cfg hv.RunConfig) error          { return nil }
func (m *memVM) VirtualCPUCall(id int, f func(hv.VirtualCPU) error) error { return nil }
func (m *memVM) AddDevice(dev hv.Device) error                            { return nil }

var _ hv.VirtualMachine = &memVM{}

// elfSegment describes one PT_LOAD entry for buildELF32.
type elfSegment struct {
	vaddr uint32
	memsz uint32
	data  []byte
}

// buildELF32 assembles a minimal well-formed ELF32 i386 executable
// with the given entry point and segments. mutate, when non-nil, gets
// the image bytes before they are returned so individual header
// fields can be corrupted.
func buildELF32(entry uint32, segs []elfSegment, mutate func([]byte)) []byte {
	const (
		ehsize    = 52
		phentsize = 32
	)

	le := binary.LittleEndian

	dataOff := uint32(ehsize + phentsize*len(segs))

	var body []byte
	type placed struct {
		off  uint32
		size uint32
	}
	offsets := make([]placed, len(segs))
	for i, seg := range segs {
		offsets[i] = placed{off: dataOff + uint32(len(body)), size: uint32(len(seg.data))}
		body = append(body, seg.data...)
	}

	image := make([]byte, int(dataOff)+len(body))

	copy(image, []byte{0x7f, 'E', 'L', 'F', 1, 1, 1})
	le.PutUint16(image[16:], 2) // e_type: ET_EXEC
	le.PutUint16(image[18:], 3) // e_machine: EM_386
	le.PutUint32(image[20:], 1) // e_version: EV_CURRENT
	le.PutUint32(image[24:], entry)
	le.PutUint32(image[28:], ehsize) // e_phoff
	le.PutUint32(image[32:], 0)      // e_shoff
	le.PutUint32(image[36:], 0)      // e_flags
	le.PutUint16(image[40:], ehsize)
	le.PutUint16(image[42:], phentsize)
	le.PutUint16(image[44:], uint16(len(segs)))

	for i, seg := range segs {
		memsz := seg.memsz
		if memsz == 0 {
			memsz = uint32(len(seg.data))
		}

		ph := image[ehsize+phentsize*i:]
		le.PutUint32(ph[0:], 1) // p_type: PT_LOAD
		le.PutUint32(ph[4:], offsets[i].off)
		le.PutUint32(ph[8:], seg.vaddr)
		le.PutUint32(ph[12:], seg.vaddr)
		le.PutUint32(ph[16:], offsets[i].size)
		le.PutUint32(ph[20:], memsz)
		le.PutUint32(ph[24:], 5)    // p_flags: R+X
		le.PutUint32(ph[28:], 4096) // p_align
	}

	copy(image[dataOff:], body)

	if mutate != nil {
		mutate(image)
	}

	return image
}
