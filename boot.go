package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/reekid420/os/kernel/cpu"
	"github.com/reekid420/os/kernel/kmain"
	"github.com/reekid420/os/kernel/mem"
)

// The kernel image is loaded at 1Mb like a multiboot kernel would be.
const (
	kernelStart = uintptr(0x100000)
	kernelEnd   = uintptr(0x180000)
)

// main boots the kernel on an emulated machine. The kernel log is mirrored
// to stdout while the boot sequence runs; a kernel panic halts the process
// with exit status 1 after its banner has been printed.
func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("boot", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		ramSize    = fs.String("mem", "64M", "amount of emulated physical memory (accepts K/M/G suffixes)")
		cmdLine    = fs.String("cmdline", "", "kernel command line, e.g. \"kheap_size=2M\"")
		dumpHeap   = fs.Bool("dump-heap", false, "print the heap block list after the self-test")
		dumpScreen = fs.Bool("dump-screen", false, "print the final contents of the text-mode console")
	)

	if err := fs.Parse(args); err != nil {
		return 2
	}

	size, err := mem.ParseSize(*ramSize)
	if err != nil {
		fmt.Fprintf(stderr, "invalid -mem value %q: %s\n", *ramSize, err.Message)
		return 2
	}

	if uint64(size) <= uint64(kernelEnd) {
		fmt.Fprintf(stderr, "invalid -mem value %q: the kernel image ends at 0x%x\n", *ramSize, kernelEnd)
		return 2
	}

	phys, err := mem.NewPhysicalMemory(size)
	if err != nil {
		fmt.Fprintln(stderr, err.String())
		return 1
	}
	defer func() { _ = phys.Release() }()

	info := kmain.BootInfo{
		MemoryMap:   kmain.EmulatedMemoryMap(size),
		CmdLine:     *cmdLine,
		KernelStart: kernelStart,
		KernelEnd:   kernelEnd,
		HostLog:     stdout,
	}

	k := kmain.Kmain(info, phys, cpu.NewEmulated())
	if k == nil {
		return 1
	}

	if *dumpScreen {
		for _, line := range k.Terminal.Console.Lines() {
			fmt.Fprintln(stdout, line)
		}
	}

	if *dumpHeap {
		k.Heap.Dump(stdout)
	}

	return 0
}
