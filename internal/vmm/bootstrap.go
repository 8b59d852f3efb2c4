package vmm

import (
	"context"
	"errors"
	"fmt"

	"github.com/nanvix/microvm/internal/boot"
	"github.com/nanvix/microvm/internal/hv"
)

// BootSignature is placed in RAX at the kernel entry point. Guest
// kernels may inspect it to confirm they were started by this
// hypervisor.
const BootSignature = 0x0C00FFEE

// initrdDescriptor packs the initrd location for the guest: the high
// 20 bits carry the page-aligned base, the low 12 bits the size in
// 4 KiB pages. Zero when no initrd was loaded.
func initrdDescriptor(m boot.MemoryMap) uint64 {
	return (m.InitrdBase & 0xfffff000) | ((m.InitrdSize >> 12) & 0xfff)
}

// bootConfig implements hv.RunConfig: it programs the vCPU for the
// selected entry mode, hands control to the guest, and services exits
// until the guest shuts down.
type bootConfig struct {
	mode  Mode
	entry uint64
	mmap  boot.MemoryMap
}

// Run implements hv.RunConfig.
func (c *bootConfig) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	amd64, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		return fmt.Errorf("vCPU does not support x86 mode selection")
	}

	switch c.mode {
	case ModeReal:
		if err := amd64.SetRealMode(); err != nil {
			return fmt.Errorf("set real mode: %w", err)
		}
	case ModeProtected:
		if err := amd64.SetProtectedMode(); err != nil {
			return fmt.Errorf("set protected mode: %w", err)
		}
	default:
		return fmt.Errorf("unsupported entry mode %v", c.mode)
	}

	// Every general-purpose register is set explicitly so the guest
	// starts from a clean slate regardless of what the hypervisor
	// left behind. Only bit 1 of RFLAGS is architecturally fixed.
	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rax:    hv.Register64(BootSignature),
		hv.RegisterAMD64Rbx:    hv.Register64(initrdDescriptor(c.mmap)),
		hv.RegisterAMD64Rcx:    hv.Register64(0),
		hv.RegisterAMD64Rdx:    hv.Register64(0),
		hv.RegisterAMD64Rsi:    hv.Register64(0),
		hv.RegisterAMD64Rdi:    hv.Register64(0),
		hv.RegisterAMD64Rsp:    hv.Register64(0),
		hv.RegisterAMD64Rbp:    hv.Register64(0),
		hv.RegisterAMD64R8:     hv.Register64(0),
		hv.RegisterAMD64R9:     hv.Register64(0),
		hv.RegisterAMD64R10:    hv.Register64(0),
		hv.RegisterAMD64R11:    hv.Register64(0),
		hv.RegisterAMD64R12:    hv.Register64(0),
		hv.RegisterAMD64R13:    hv.Register64(0),
		hv.RegisterAMD64R14:    hv.Register64(0),
		hv.RegisterAMD64R15:    hv.Register64(0),
		hv.RegisterAMD64Rip:    hv.Register64(c.entry),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	}); err != nil {
		return fmt.Errorf("set initial registers: %w", err)
	}

	for {
		if err := vcpu.Run(ctx); err != nil {
			if errors.Is(err, hv.ErrVMHalted) {
				continue
			}
			if errors.Is(err, hv.ErrGuestShutdown) {
				return nil
			}
			return fmt.Errorf("run vCPU: %w", err)
		}
	}
}

var (
	_ hv.RunConfig = &bootConfig{}
)
