// Package kmain contains the kernel's entry point. Kmain bootstraps the
// frame allocator off the boot memory map and then halts; it does not build
// the region list or initialize the resource-arena/slab/heap stack.
package kmain

import (
	"github.com/arenaos/kernel/kernel"
	"github.com/arenaos/kernel/kernel/hal"
	"github.com/arenaos/kernel/kernel/hal/multiboot"
	"github.com/arenaos/kernel/kernel/kfmt/early"
	"github.com/arenaos/kernel/kernel/mem/bootinfo"
	"github.com/arenaos/kernel/kernel/mem/pmm"
	"github.com/arenaos/kernel/kernel/mem/pmm/bootmem"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// identityDirectMap stands in for the bootloader-provided direct map
// (kernel/mem/vmm's DirectMapper collaborator): the rt0 assembly that
// calls Kmain is expected to have already identity-mapped the low
// physical range pmm/bootmem touch while carving out the frame record
// array. A real direct map covering all of physical memory, and the
// page-table construction that would establish it, is architecture
// specific and out of scope for this package.
type identityDirectMap struct{}

func (identityDirectMap) FromPhysical(physAddr uintptr) uintptr { return physAddr }

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()
	early.Printf("starting kernel\n")

	bootMap := bootinfo.Multiboot{}
	dm := identityDirectMap{}

	var bootAlloc bootmem.Allocator
	records, err := bootmem.BuildFrameRecords(bootMap, &bootAlloc, dm)
	if err != nil {
		kernel.Panic(err)
	}
	pmm.Init(records, dm)
	bootAlloc.Consume(bootMap)
	early.Printf("frame allocator: %d bytes free\n", uint64(pmm.FreeMemory()))

	// The remaining init-order steps, building a kernel/mem/kregion.List
	// from the linker-exported section bases, constructing the page
	// table, and handing both to kernel/mem/heap.Init and
	// kernel/goruntime.Init, all require a concrete kernel/mem/vmm.
	// PageMapper, which this repository deliberately does not implement
	// (see identityDirectMap above). kernelStart/kernelEnd are already in
	// hand here for whichever boot glue supplies that PageMapper to build
	// the region list's KernelExecutable/KernelData entries from.
	_, _ = kernelStart, kernelEnd

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}
