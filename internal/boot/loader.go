// Package boot places a guest image into guest-physical memory: an
// ELF32 kernel at its linked addresses and, optionally, an init RAM
// disk at a fixed base. The resulting memory map is what the vCPU
// bootstrap encodes into the guest entry registers.
package boot

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/nanvix/microvm/internal/hv"
)

// MemoryMap records where the loaded image landed in guest-physical
// memory. InitrdBase and InitrdSize are zero when no initrd was
// loaded; InitrdSize is rounded up to a whole page.
type MemoryMap struct {
	KernelBase uint64
	KernelSize uint64
	InitrdBase uint64
	InitrdSize uint64
}

// Loader implements hv.VMLoader for an ELF32 kernel plus optional
// initrd. After a successful Load, Entry and Map describe the guest.
type Loader struct {
	// KernelPath names the ELF32 i386 executable to boot. Required.
	KernelPath string

	// InitrdPath names the init RAM disk file. Optional.
	InitrdPath string

	entry uint64
	mmap  MemoryMap
}

// Load implements hv.VMLoader.
func (l *Loader) Load(vm hv.VirtualMachine) error {
	kernel, err := os.ReadFile(l.KernelPath)
	if err != nil {
		return fmt.Errorf("read kernel image: %w", err)
	}

	image, err := loadELF32(vm, kernel)
	if err != nil {
		return fmt.Errorf("load kernel %s: %w", l.KernelPath, err)
	}

	l.entry = image.entry
	l.mmap = MemoryMap{
		KernelBase: image.base,
		KernelSize: image.size,
	}

	slog.Debug("kernel loaded",
		"path", l.KernelPath,
		"base", fmt.Sprintf("%#x", image.base),
		"size", image.size,
		"entry", fmt.Sprintf("%#x", image.entry))

	if l.InitrdPath == "" {
		return nil
	}

	initrd, err := os.ReadFile(l.InitrdPath)
	if err != nil {
		return fmt.Errorf("read initrd: %w", err)
	}

	size, err := loadInitrd(vm, image, initrd)
	if err != nil {
		return fmt.Errorf("load initrd %s: %w", l.InitrdPath, err)
	}

	l.mmap.InitrdBase = InitrdBase
	l.mmap.InitrdSize = size

	slog.Debug("initrd loaded",
		"path", l.InitrdPath,
		"base", fmt.Sprintf("%#x", uint64(InitrdBase)),
		"size", uint64(len(initrd)))

	return nil
}

// Entry returns the guest virtual address of the kernel entry point.
func (l *Loader) Entry() uint64 { return l.entry }

// Map returns the guest memory map produced by Load.
func (l *Loader) Map() MemoryMap { return l.mmap }

var (
	_ hv.VMLoader = &Loader{}
)
