package boot

import (
	"fmt"

	"github.com/nanvix/microvm/internal/hv"
)

const (
	// PageSize is the guest page size used for initrd size rounding.
	PageSize = 4096

	// InitrdBase is the fixed guest-physical address the init RAM
	// disk is staged at. Guest kernels learn it through the RBX boot
	// descriptor.
	InitrdBase = 0x00800000
)

// loadInitrd stages the init RAM disk at InitrdBase and returns its
// page-rounded size. The staged range must not intersect the kernel
// image and must fit inside guest memory.
func loadInitrd(vm hv.VirtualMachine, kernel *kernelImage, data []byte) (uint64, error) {
	size := uint64(len(data))

	if size > 0 && InitrdBase < kernel.base+kernel.size && InitrdBase+size > kernel.base {
		return 0, ErrInitrdOverlap
	}

	if InitrdBase+size > vm.MemorySize() {
		return 0, ErrInitrdTooLarge
	}

	if size > 0 {
		if _, err := vm.WriteAt(data, InitrdBase); err != nil {
			return 0, fmt.Errorf("write initrd: %w", err)
		}
	}

	return roundUpPage(size), nil
}

func roundUpPage(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}
