//go:build linux

// Package vmm boots a 32-bit guest kernel on KVM and services its
// paravirtual I/O until it shuts down. It owns the VM lifecycle:
// hypervisor handshake, guest memory, image loading, vCPU bootstrap,
// and the exit dispatch loop.
package vmm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nanvix/microvm/internal/boot"
	"github.com/nanvix/microvm/internal/hv"
	"github.com/nanvix/microvm/internal/hv/kvm"
)

// Run boots the configured guest and blocks until it requests
// shutdown or fails. A nil return means the guest shut down in an
// orderly fashion.
func Run(ctx context.Context, config Config) error {
	cfg, err := config.withDefaults()
	if err != nil {
		return err
	}

	hyp, err := kvm.Open()
	if err != nil {
		return err
	}
	defer hyp.Close()

	loader := &boot.Loader{
		KernelPath: cfg.KernelPath,
		InitrdPath: cfg.InitrdPath,
	}

	vm, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{
		MemSize:  cfg.MemorySize,
		VMLoader: loader,
	})
	if err != nil {
		return err
	}
	defer vm.Close()

	if err := vm.AddDevice(&consolePort{out: cfg.Stdout, in: cfg.Stdin}); err != nil {
		return fmt.Errorf("add console device: %w", err)
	}
	if err := vm.AddDevice(acpiShutdown{}); err != nil {
		return fmt.Errorf("add shutdown device: %w", err)
	}

	slog.Debug("starting guest",
		"mode", cfg.Mode,
		"memory", cfg.MemorySize,
		"entry", fmt.Sprintf("%#x", loader.Entry()))

	if err := vm.Run(ctx, &bootConfig{
		mode:  cfg.Mode,
		entry: loader.Entry(),
		mmap:  loader.Map(),
	}); err != nil {
		return err
	}

	if f, ok := cfg.Stdout.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush guest stdout: %w", err)
		}
	}

	return nil
}
