package vmm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultMemorySize is the guest memory size used when none is
// configured.
const DefaultMemorySize = 128 * 1024 * 1024

var (
	ErrNoKernel      = errors.New("no kernel image configured")
	ErrBadMemorySize = errors.New("invalid memory size")
)

// Mode selects the CPU mode the guest kernel is entered in.
type Mode int

const (
	ModeReal Mode = iota
	ModeProtected
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Config carries everything Run needs. The zero value of the optional
// fields selects the defaults: 128 MiB of memory, real-mode entry, and
// the process standard streams.
type Config struct {
	// KernelPath names the ELF32 i386 executable to boot. Required.
	KernelPath string

	// InitrdPath names an init RAM disk staged at boot.InitrdBase.
	InitrdPath string

	// MemorySize is the guest memory size in bytes.
	MemorySize uint64

	// Mode is the CPU mode at the kernel entry point.
	Mode Mode

	// Stdout receives every byte the guest emits on the console port.
	Stdout io.Writer

	// Stdin supplies the bytes the guest reads from the console port.
	Stdin io.Reader
}

func (c *Config) withDefaults() (Config, error) {
	out := *c

	if out.KernelPath == "" {
		return Config{}, ErrNoKernel
	}
	if out.MemorySize == 0 {
		out.MemorySize = DefaultMemorySize
	}
	if out.Stdout == nil {
		out.Stdout = os.Stdout
	}
	if out.Stdin == nil {
		out.Stdin = os.Stdin
	}

	return out, nil
}

// ParseMemorySize parses a guest memory size of the form N followed by
// a required K, M, or G suffix (upper or lower case).
func ParseMemorySize(s string) (uint64, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrBadMemorySize, s)
	}

	var shift uint
	switch s[len(s)-1] {
	case 'K', 'k':
		shift = 10
	case 'M', 'm':
		shift = 20
	case 'G', 'g':
		shift = 30
	default:
		return 0, fmt.Errorf("%w: missing K/M/G suffix in %q", ErrBadMemorySize, s)
	}

	n, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadMemorySize, s)
	}
	if n == 0 || n > (1<<(64-shift))-1 {
		return 0, fmt.Errorf("%w: %q", ErrBadMemorySize, s)
	}

	return n << shift, nil
}

// FileConfig is the YAML form of a VM configuration accepted by the
// front end's -config flag. Explicit flags override file values.
type FileConfig struct {
	Kernel    string `yaml:"kernel"`
	Initrd    string `yaml:"initrd,omitempty"`
	InitrdDir string `yaml:"initrdDir,omitempty"`
	Memory    string `yaml:"memory,omitempty"`
	Protected bool   `yaml:"protected,omitempty"`
	Stdout    string `yaml:"stdout,omitempty"`
	Stdin     string `yaml:"stdin,omitempty"`
}

// LoadFileConfig reads and decodes a YAML configuration file.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return &fc, nil
}
