// Command microvm boots a 32-bit guest kernel on KVM and wires its
// paravirtual console to the process (or redirected) standard streams.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/nanvix/microvm/internal/initramfs"
	"github.com/nanvix/microvm/internal/vmm"
	"golang.org/x/term"
)

func main() {
	// Check for debug flag early (before flag.Parse)
	for _, arg := range os.Args {
		if arg == "-debug" {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			})))
			break
		}
	}

	if err := run(); err != nil {
		slog.Error("microvm failed", "err", err)
		os.Exit(1)
	}
}

type options struct {
	kernel    string
	initrd    string
	initrdDir string
	memory    string
	protected bool
	stdout    string
	stdin     string
	timing    bool
}

func parseFlags() (options, error) {
	var opts options

	configPath := flag.String("config", "", "load configuration from this YAML file")
	flag.StringVar(&opts.kernel, "kernel", "", "path to the ELF32 kernel image (required)")
	flag.StringVar(&opts.initrd, "initrd", "", "path to an init RAM disk file")
	flag.StringVar(&opts.initrdDir, "initrd-dir", "", "build the init RAM disk from this directory")
	flag.StringVar(&opts.memory, "memory", "", "guest memory size, e.g. 128M (K/M/G suffix required)")
	flag.BoolVar(&opts.protected, "protected", false, "enter the kernel in 32-bit protected mode")
	flag.StringVar(&opts.stdout, "stdout", "", "redirect guest output to this file")
	flag.StringVar(&opts.stdin, "stdin", "", "redirect guest input from this file")
	flag.BoolVar(&opts.timing, "timing", false, "log the guest run duration on shutdown")
	flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *configPath == "" {
		return opts, nil
	}

	fc, err := vmm.LoadFileConfig(*configPath)
	if err != nil {
		return options{}, err
	}

	// Explicit flags win over file values.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["kernel"] {
		opts.kernel = fc.Kernel
	}
	if !set["initrd"] {
		opts.initrd = fc.Initrd
	}
	if !set["initrd-dir"] {
		opts.initrdDir = fc.InitrdDir
	}
	if !set["memory"] {
		opts.memory = fc.Memory
	}
	if !set["protected"] {
		opts.protected = fc.Protected
	}
	if !set["stdout"] {
		opts.stdout = fc.Stdout
	}
	if !set["stdin"] {
		opts.stdin = fc.Stdin
	}

	return opts, nil
}

func run() error {
	opts, err := parseFlags()
	if err != nil {
		return err
	}

	if opts.kernel == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -kernel <filename> [options]\n", os.Args[0])
		flag.PrintDefaults()
		return vmm.ErrNoKernel
	}

	if opts.initrd != "" && opts.initrdDir != "" {
		return fmt.Errorf("-initrd and -initrd-dir are mutually exclusive")
	}

	cfg := vmm.Config{
		KernelPath: opts.kernel,
		InitrdPath: opts.initrd,
	}

	if opts.protected {
		cfg.Mode = vmm.ModeProtected
	}

	if opts.memory != "" {
		size, err := vmm.ParseMemorySize(opts.memory)
		if err != nil {
			return err
		}
		cfg.MemorySize = size
	}

	if opts.initrdDir != "" {
		path, err := initramfs.BuildFile(opts.initrdDir)
		if err != nil {
			return err
		}
		defer os.Remove(path)

		slog.Debug("initrd built", "dir", opts.initrdDir, "path", path)
		cfg.InitrdPath = path
	}

	if opts.stdout != "" {
		f, err := os.Create(opts.stdout)
		if err != nil {
			return fmt.Errorf("open guest stdout: %w", err)
		}
		defer f.Close()
		cfg.Stdout = f
	}

	if opts.stdin != "" {
		f, err := os.Open(opts.stdin)
		if err != nil {
			return fmt.Errorf("open guest stdin: %w", err)
		}
		defer f.Close()
		cfg.Stdin = f
	}

	// When the guest console reads from the process terminal, hand
	// bytes over unbuffered and without local echo.
	if opts.stdin == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()

	if err := vmm.Run(ctx, cfg); err != nil {
		return err
	}

	if opts.timing {
		slog.Info("guest finished", "duration", time.Since(start))
	}

	return nil
}
