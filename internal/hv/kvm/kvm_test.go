//go:build linux

package kvm

import (
	"testing"

	"github.com/nanvix/microvm/internal/hv"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	hv, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	hv, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}

	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestNewVirtualMachine(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		MemSize: 0x200000,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}

	if got := vm.MemorySize(); got != 0x200000 {
		t.Errorf("MemorySize: got %#x, want %#x", got, 0x200000)
	}

	if err := vm.Close(); err != nil {
		t.Fatalf("Close KVM virtual machine: %v", err)
	}
}

func TestGuestMemoryReadWrite(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{MemSize: 0x200000})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	payload := []byte("guest memory payload")
	if _, err := vm.WriteAt(payload, 0x1000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := vm.ReadAt(got, 0x1000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("round trip: got %q, want %q", got, payload)
	}

	if _, err := vm.WriteAt([]byte{1}, 0x200000); err == nil {
		t.Error("WriteAt past end of memory: expected error")
	}
	if _, err := vm.ReadAt(make([]byte, 1), -1); err == nil {
		t.Error("ReadAt negative offset: expected error")
	}
}
