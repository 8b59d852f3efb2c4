package boot

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nanvix/microvm/internal/hv"
)

// kernelImage describes an ELF32 kernel after placement in guest
// memory.
type kernelImage struct {
	entry uint64
	base  uint64
	size  uint64
}

// loadELF32 validates an ELF32 i386 executable and copies its PT_LOAD
// segments into guest-physical memory at their p_vaddr. File bytes past
// p_filesz up to p_memsz are left to the zero-filled backing mapping.
func loadELF32(vm hv.VirtualMachine, data []byte) (*kernelImage, error) {
	if len(data) < elfHeaderSize32 {
		return nil, fmt.Errorf("%w: truncated header", ErrNotELF)
	}

	// Validate the identification bytes and the header fields in a
	// fixed order so a malformed file is always reported by its first
	// failing check.
	if data[0] != '\x7f' || data[1] != 'E' ||
		data[2] != 'L' || data[3] != 'F' {
		return nil, ErrNotELF
	}
	if elf.Class(data[elf.EI_CLASS]) != elf.ELFCLASS32 {
		return nil, ErrNotELF32
	}
	if elf.Data(data[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, ErrNotLittleEndian
	}
	if elf.Version(data[elf.EI_VERSION]) != elf.EV_CURRENT {
		return nil, ErrBadVersion
	}
	if typ := elf.Type(binary.LittleEndian.Uint16(data[16:18])); typ != elf.ET_EXEC {
		return nil, ErrNotExecutable
	}
	if machine := elf.Machine(binary.LittleEndian.Uint16(data[18:20])); machine != elf.EM_386 {
		return nil, ErrNotI386
	}
	if version := binary.LittleEndian.Uint32(data[20:24]); version != uint32(elf.EV_CURRENT) {
		return nil, ErrBadVersion
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse ELF kernel: %w", err)
	}
	defer f.Close()

	var loaded bool
	minVaddr := uint64(math.MaxUint64)
	var maxVaddr uint64
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("ELF segment %d file size %#x exceeds mem size %#x", i, prog.Filesz, prog.Memsz)
		}
		if prog.Vaddr+prog.Memsz > vm.MemorySize() {
			return nil, &SegmentError{Index: i}
		}

		if prog.Filesz > 0 {
			seg := make([]byte, prog.Filesz)
			if _, err := prog.ReadAt(seg, 0); err != nil {
				return nil, fmt.Errorf("read ELF segment @%#x: %w", prog.Off, err)
			}
			if _, err := vm.WriteAt(seg, int64(prog.Vaddr)); err != nil {
				return nil, fmt.Errorf("write ELF segment @%#x: %w", prog.Vaddr, err)
			}
		}

		loaded = true
		if prog.Vaddr < minVaddr {
			minVaddr = prog.Vaddr
		}
		if end := prog.Vaddr + prog.Memsz; end > maxVaddr {
			maxVaddr = end
		}
	}

	if !loaded {
		return nil, ErrNoLoadSegments
	}

	entry := f.Entry
	if entry < minVaddr || entry >= maxVaddr {
		return nil, ErrEntryNotLoaded
	}

	return &kernelImage{
		entry: entry,
		base:  minVaddr,
		size:  maxVaddr - minVaddr,
	}, nil
}

// ELF32 header through e_version, enough for every identity check.
const elfHeaderSize32 = 24
