//go:build linux && !amd64

package kvm

import (
	"context"
	"fmt"

	"github.com/nanvix/microvm/internal/hv"
)

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("kvm: SetRegisters not supported on this architecture")
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("kvm: GetRegisters not supported on this architecture")
}

func (v *virtualCPU) Run(ctx context.Context) error {
	return fmt.Errorf("kvm: Run not supported on this architecture")
}

func (v *virtualCPU) SetRealMode() error {
	return fmt.Errorf("kvm: SetRealMode not supported on this architecture")
}

func (v *virtualCPU) SetProtectedMode() error {
	return fmt.Errorf("kvm: SetProtectedMode not supported on this architecture")
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureInvalid
}
