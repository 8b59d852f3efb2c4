//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/nanvix/microvm/internal/hv"
	"golang.org/x/sys/unix"
)

var regularRegisters = map[hv.Register]bool{
	hv.RegisterAMD64Rax:    true,
	hv.RegisterAMD64Rbx:    true,
	hv.RegisterAMD64Rcx:    true,
	hv.RegisterAMD64Rdx:    true,
	hv.RegisterAMD64Rsi:    true,
	hv.RegisterAMD64Rdi:    true,
	hv.RegisterAMD64Rsp:    true,
	hv.RegisterAMD64Rbp:    true,
	hv.RegisterAMD64R8:     true,
	hv.RegisterAMD64R9:     true,
	hv.RegisterAMD64R10:    true,
	hv.RegisterAMD64R11:    true,
	hv.RegisterAMD64R12:    true,
	hv.RegisterAMD64R13:    true,
	hv.RegisterAMD64R14:    true,
	hv.RegisterAMD64R15:    true,
	hv.RegisterAMD64Rip:    true,
	hv.RegisterAMD64Rflags: true,
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		if !regularRegisters[reg] {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	regularRegs, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	if v, ok := regs[hv.RegisterAMD64Rax]; ok {
		regularRegs.Rax = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64Rbx]; ok {
		regularRegs.Rbx = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64Rcx]; ok {
		regularRegs.Rcx = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64Rdx]; ok {
		regularRegs.Rdx = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64Rsi]; ok {
		regularRegs.Rsi = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64Rdi]; ok {
		regularRegs.Rdi = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64Rsp]; ok {
		regularRegs.Rsp = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64Rbp]; ok {
		regularRegs.Rbp = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64R8]; ok {
		regularRegs.R8 = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64R9]; ok {
		regularRegs.R9 = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64R10]; ok {
		regularRegs.R10 = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64R11]; ok {
		regularRegs.R11 = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64R12]; ok {
		regularRegs.R12 = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64R13]; ok {
		regularRegs.R13 = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64R14]; ok {
		regularRegs.R14 = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64R15]; ok {
		regularRegs.R15 = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64Rip]; ok {
		regularRegs.Rip = uint64(v.(hv.Register64))
	}
	if v, ok := regs[hv.RegisterAMD64Rflags]; ok {
		regularRegs.Rflags = uint64(v.(hv.Register64))
	}

	if err := setRegisters(v.fd, &regularRegs); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		if !regularRegisters[reg] {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	regularRegs, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	for reg := range regs {
		switch reg {
		case hv.RegisterAMD64Rax:
			regs[reg] = hv.Register64(regularRegs.Rax)
		case hv.RegisterAMD64Rbx:
			regs[reg] = hv.Register64(regularRegs.Rbx)
		case hv.RegisterAMD64Rcx:
			regs[reg] = hv.Register64(regularRegs.Rcx)
		case hv.RegisterAMD64Rdx:
			regs[reg] = hv.Register64(regularRegs.Rdx)
		case hv.RegisterAMD64Rsi:
			regs[reg] = hv.Register64(regularRegs.Rsi)
		case hv.RegisterAMD64Rdi:
			regs[reg] = hv.Register64(regularRegs.Rdi)
		case hv.RegisterAMD64Rsp:
			regs[reg] = hv.Register64(regularRegs.Rsp)
		case hv.RegisterAMD64Rbp:
			regs[reg] = hv.Register64(regularRegs.Rbp)
		case hv.RegisterAMD64R8:
			regs[reg] = hv.Register64(regularRegs.R8)
		case hv.RegisterAMD64R9:
			regs[reg] = hv.Register64(regularRegs.R9)
		case hv.RegisterAMD64R10:
			regs[reg] = hv.Register64(regularRegs.R10)
		case hv.RegisterAMD64R11:
			regs[reg] = hv.Register64(regularRegs.R11)
		case hv.RegisterAMD64R12:
			regs[reg] = hv.Register64(regularRegs.R12)
		case hv.RegisterAMD64R13:
			regs[reg] = hv.Register64(regularRegs.R13)
		case hv.RegisterAMD64R14:
			regs[reg] = hv.Register64(regularRegs.R14)
		case hv.RegisterAMD64R15:
			regs[reg] = hv.Register64(regularRegs.R15)
		case hv.RegisterAMD64Rip:
			regs[reg] = hv.Register64(regularRegs.Rip)
		case hv.RegisterAMD64Rflags:
			regs[reg] = hv.Register64(regularRegs.Rflags)
		}
	}

	return nil
}

func (v *virtualCPU) Run(ctx context.Context) error {
	usingContext := false
	var stopNotify func() bool
	if done := ctx.Done(); done != nil {
		usingContext = true
		tid := unix.Gettid()
		stopNotify = context.AfterFunc(ctx, func() {
			_ = v.RequestImmediateExit(tid)
		})
	}
	if stopNotify != nil {
		defer stopNotify()
	}

	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// clear immediate_exit in case it was set
	run.immediate_exit = 0

	// keep trying to run the vCPU until it exits or an error occurs
	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if usingContext && (errors.Is(ctx.Err(), context.Canceled) ||
				errors.Is(ctx.Err(), context.DeadlineExceeded)) {
				return ctx.Err()
			}

			continue
		} else if err != nil {
			return fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		break
	}

	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitInternalError:
		err := (*internalError)(unsafe.Pointer(&run.anon0[0]))

		return fmt.Errorf("kvm: vCPU %d exited with internal error: %s", v.id, err.Suberror)
	case kvmExitHlt:
		return hv.ErrVMHalted
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))

		return v.handleIO(ioData)
	default:
		return fmt.Errorf("kvm: vCPU %d exited with unexpected reason %s", v.id, reason)
	}
}

// handleIO routes a port I/O exit to the claiming device. Ports no
// device claims are ignored: the guest sees the write vanish and the
// read return whatever the run area holds.
func (v *virtualCPU) handleIO(ioData *kvmExitIoData) error {
	for _, dev := range v.vm.devices {
		ioDev, ok := dev.(hv.X86IOPortDevice)
		if !ok {
			continue
		}

		for _, port := range ioDev.IOPorts() {
			if port != ioData.port {
				continue
			}

			data := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)*uint64(ioData.count)]

			if ioData.direction == kvmExitIoIn {
				if err := ioDev.ReadIOPort(ioData.port, data); err != nil {
					return fmt.Errorf("I/O port 0x%04x read: %w", ioData.port, err)
				}
			} else {
				if err := ioDev.WriteIOPort(ioData.port, data); err != nil {
					if errors.Is(err, hv.ErrGuestShutdown) {
						return err
					}
					return fmt.Errorf("I/O port 0x%04x write: %w", ioData.port, err)
				}
			}

			return nil
		}
	}

	return nil
}

func (vcpu *virtualCPU) SetRealMode() error {
	sregs, err := getSRegs(vcpu.fd)
	if err != nil {
		return err
	}

	sregs.Cs.Selector = 0
	sregs.Cs.Base = 0

	if err := setSRegs(vcpu.fd, &sregs); err != nil {
		return err
	}

	return nil
}

func (vcpu *virtualCPU) SetProtectedMode() error {
	sregs, err := getSRegs(vcpu.fd)
	if err != nil {
		return err
	}

	sregs.Ds = kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 2 << 3,
		Present:  1,
		Type:     3, // Data: read/write, accessed
		Dpl:      0,
		Db:       1,
		S:        1, // Code/data
		L:        0,
		G:        1, // 4KB granularity
	}
	sregs.Es = sregs.Ds
	sregs.Fs = sregs.Ds
	sregs.Gs = sregs.Ds
	sregs.Ss = sregs.Ds

	sregs.Cs = kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 1 << 3,
		Present:  1,
		Type:     11, // Code: execute, read, accessed
		Dpl:      0,
		Db:       1,
		S:        1, // Code/data
		L:        0,
		G:        1, // 4KB granularity
	}

	sregs.Cr0 |= 1

	if err := setSRegs(vcpu.fd, &sregs); err != nil {
		return err
	}

	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

var (
	_ hv.VirtualCPUAmd64 = &virtualCPU{}
)
