package main

import (
	"io"
	"math/rand"
	"sort"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/cpu"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/memory"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/kheap"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/vmm"
)

const (
	// stressWindowBase and stressWindowSize bound the virtual addresses
	// used by the stressor.
	stressWindowBase = uintptr(0x400000)
	stressWindowSize = uintptr(64 << 20)

	// Every address space gets a program break area above the window.
	stressHeapBase = uintptr(0x8000000)
	stressHeapSize = uintptr(16 << 20)

	maxStressSpaces = 8
	maxStressAllocs = 512
)

type stressOpts struct {
	steps      int
	seed       int64
	checkEvery int
}

func newStressCmd() *cobra.Command {
	opts := stressOpts{}

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a randomized workload against the memory manager",
		Long: `The stress command boots the memory manager and issues a seeded random
sequence of kmalloc/kfree calls, segment maps, unmaps and resizes, page
faults, program break moves, flexpage maps and grants, address space
duplications and slab reaps. Invariants are verified
periodically and, once everything is released, the number of free frames
must match the number after boot.

Example:
  memsim stress --steps 100000 --seed 42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			mem, err := memory.Boot(cfg)
			if err != nil {
				return err
			}
			defer mem.Shutdown()

			s := newStressor(mem, opts, cmd.OutOrStdout())
			return s.run()
		},
	}

	cmd.Flags().IntVarP(&opts.steps, "steps", "n", 10000, "Number of operations to issue")
	cmd.Flags().Int64Var(&opts.seed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&opts.checkEvery, "check-every", 500, "Verify invariants every N operations (0 disables)")

	return cmd
}

type stressor struct {
	mem  *memory.Subsystem
	opts stressOpts
	rng  *rand.Rand
	out  io.Writer

	spaces []*vmm.AddressSpace
	allocs []unsafe.Pointer

	counts map[string]int
	failed map[string]int
}

func newStressor(mem *memory.Subsystem, opts stressOpts, out io.Writer) *stressor {
	return &stressor{
		mem:    mem,
		opts:   opts,
		rng:    rand.New(rand.NewSource(opts.seed)),
		out:    out,
		counts: make(map[string]int),
		failed: make(map[string]int),
	}
}

// run issues the workload. Invariant violations halt the kernel; the halt is
// turned into an error.
func (s *stressor) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if r != cpu.ErrHalted {
				panic(r)
			}
			err = errors.New("memory manager halted")
		}
	}()

	freeAtBoot := s.mem.Stats().FreeFrames

	for step := 1; step <= s.opts.steps; step++ {
		if err := s.step(); err != nil {
			return errors.Wrapf(err, "step %d", step)
		}

		if s.opts.checkEvery > 0 && step%s.opts.checkEvery == 0 {
			s.mem.CheckInvariants()
		}
	}

	s.mem.CheckInvariants()
	s.releaseAll()
	s.mem.CheckInvariants()

	s.report()

	if free := s.mem.Stats().FreeFrames; free != freeAtBoot {
		return errors.Errorf("frame leak: %d frames free after release, %d after boot", free, freeAtBoot)
	}

	return nil
}

func (s *stressor) step() *kernel.Error {
	var (
		op  string
		err *kernel.Error
	)

	switch n := s.rng.Intn(100); {
	case n < 16:
		op, err = "kmalloc", s.kmalloc()
	case n < 28:
		op, err = "kfree", s.kfree()
	case n < 40:
		op, err = "map", s.mapSegment()
	case n < 48:
		op, err = "unmap", s.unmapRange()
	case n < 53:
		op, err = "resize", s.resize()
	case n < 73:
		op, err = "fault", s.fault()
	case n < 78:
		op, err = "brk", s.brk()
	case n < 83:
		op, err = "mapfpage", s.sharePage(false)
	case n < 86:
		op, err = "grantfpage", s.sharePage(true)
	case n < 90:
		op, err = "new", s.newSpace()
	case n < 93:
		op, err = "duplicate", s.duplicate()
	case n < 97:
		op, err = "destroy", s.destroy()
	default:
		op = "reap"
		s.mem.Reap()
	}

	s.counts[op]++

	switch err {
	case nil:
		return nil
	case kernel.ErrMemoryAlloc, vmm.ErrAlreadyExist, vmm.ErrVMANotFound, vmm.ErrPageNotPresent, vmm.ErrRewrite:
		s.failed[op]++
		return nil
	default:
		return err
	}
}

func (s *stressor) kmalloc() *kernel.Error {
	if len(s.allocs) == maxStressAllocs {
		return s.kfree()
	}

	// Mostly small objects with the occasional multi-page request.
	size := uintptr(1 + s.rng.Intn(2048))
	if s.rng.Intn(10) == 0 {
		size = uintptr(1+s.rng.Intn(8)) * mm.PageSize
	}

	ptr := s.mem.Kmalloc(size, kheap.Flag(0))
	if ptr == nil {
		return kernel.ErrMemoryAlloc
	}

	kernel.Memset(ptr, byte(len(s.allocs)), size)
	s.allocs = append(s.allocs, ptr)
	return nil
}

func (s *stressor) kfree() *kernel.Error {
	if len(s.allocs) == 0 {
		return nil
	}

	i := s.rng.Intn(len(s.allocs))
	s.mem.Kfree(s.allocs[i])
	s.allocs[i] = s.allocs[len(s.allocs)-1]
	s.allocs = s.allocs[:len(s.allocs)-1]
	return nil
}

// randomRange returns a page aligned range inside the stress window.
func (s *stressor) randomRange() (uintptr, uintptr) {
	pages := int(stressWindowSize >> mm.PageShift)
	start := s.rng.Intn(pages)
	length := 1 + s.rng.Intn(1024)
	if start+length > pages {
		length = pages - start
	}

	return stressWindowBase + uintptr(start)<<mm.PageShift, uintptr(length) << mm.PageShift
}

func (s *stressor) pickSpace() *vmm.AddressSpace {
	if len(s.spaces) == 0 {
		return nil
	}

	return s.spaces[s.rng.Intn(len(s.spaces))]
}

func (s *stressor) mapSegment() *kernel.Error {
	as := s.pickSpace()
	if as == nil {
		return s.newSpace()
	}

	addr, length := s.randomRange()
	return as.Map(addr, length, s.randomFlags())
}

func (s *stressor) randomFlags() vmm.SegmentFlag {
	flags := vmm.SegRead
	if s.rng.Intn(2) == 0 {
		flags |= vmm.SegWrite
	}
	if s.rng.Intn(8) == 0 {
		flags |= vmm.SegExec
	}

	return flags
}

func (s *stressor) resize() *kernel.Error {
	as := s.pickSpace()
	if as == nil {
		return nil
	}

	addr, length := s.randomRange()
	return as.Resize(addr, length, s.randomFlags())
}

func (s *stressor) brk() *kernel.Error {
	as := s.pickSpace()
	if as == nil {
		return nil
	}

	begin, _, limit := as.HeapBounds()
	_, err := as.Brk(begin + uintptr(s.rng.Int63n(int64(limit-begin)+1)))
	return err
}

// sharePage maps or grants part of a segment of one space into the window
// of another, keeping the offset within a large page.
func (s *stressor) sharePage(grant bool) *kernel.Error {
	if len(s.spaces) < 2 {
		return nil
	}

	i := s.rng.Intn(len(s.spaces))
	j := (i + 1 + s.rng.Intn(len(s.spaces)-1)) % len(s.spaces)
	from, to := s.spaces[i], s.spaces[j]

	segs := from.Segments()
	if len(segs) == 0 {
		return nil
	}
	seg := segs[s.rng.Intn(len(segs))]

	pages := int64(seg.Len() >> mm.PageShift)
	first := s.rng.Int63n(pages)
	count := 1 + s.rng.Int63n(pages-first)
	send := vmm.SharedRegion{
		Base:   seg.Start + uintptr(first)<<mm.PageShift,
		Size:   uintptr(count) << mm.PageShift,
		Rights: vmm.RightRead,
	}
	if s.rng.Intn(2) == 0 {
		send.Rights |= vmm.RightWrite
	}
	if s.rng.Intn(8) == 0 {
		send.Rights |= vmm.RightExec
	}

	largePages := int(stressWindowSize / mm.LargePageSize)
	recv := vmm.SharedRegion{
		Base: stressWindowBase + uintptr(s.rng.Intn(largePages))*mm.LargePageSize + send.Base&(mm.LargePageSize-1),
		Size: send.Size,
	}
	if recv.Base+recv.Size > stressWindowBase+stressWindowSize {
		return nil
	}

	if grant {
		return from.GrantFPage(to, send, recv)
	}
	return from.MapFPage(to, send, recv)
}

func (s *stressor) unmapRange() *kernel.Error {
	as := s.pickSpace()
	if as == nil {
		return nil
	}

	addr, length := s.randomRange()
	return as.Unmap(addr, length)
}

func (s *stressor) fault() *kernel.Error {
	as := s.pickSpace()
	if as == nil {
		return nil
	}

	// Prefer addresses inside existing segments so that most faults
	// resolve.
	var addr uintptr
	if segs := as.Segments(); len(segs) != 0 && s.rng.Intn(4) != 0 {
		seg := segs[s.rng.Intn(len(segs))]
		addr = seg.Start + uintptr(s.rng.Int63n(int64(seg.Len())))
	} else {
		addr = stressWindowBase + uintptr(s.rng.Int63n(int64(stressWindowSize)))
	}

	bits := vmm.FaultUser
	if s.rng.Intn(2) == 0 {
		bits |= vmm.FaultWrite
	}

	return s.mem.HandleFault(as, addr, bits)
}

func (s *stressor) newSpace() *kernel.Error {
	if len(s.spaces) == maxStressSpaces {
		return s.destroy()
	}

	as, err := s.mem.NewAddressSpace()
	if err != nil {
		return err
	}

	if err := as.InitHeap(stressHeapBase, stressHeapBase+stressHeapSize); err != nil {
		kfmt.Panic(err)
	}

	s.spaces = append(s.spaces, as)
	return nil
}

func (s *stressor) duplicate() *kernel.Error {
	as := s.pickSpace()
	if as == nil || len(s.spaces) == maxStressSpaces {
		return nil
	}

	dup, err := s.mem.Duplicate(as)
	if err != nil {
		return err
	}

	s.spaces = append(s.spaces, dup)
	return nil
}

func (s *stressor) destroy() *kernel.Error {
	if len(s.spaces) == 0 {
		return nil
	}

	i := s.rng.Intn(len(s.spaces))
	err := s.mem.DestroyAddressSpace(s.spaces[i])
	s.spaces[i] = s.spaces[len(s.spaces)-1]
	s.spaces = s.spaces[:len(s.spaces)-1]
	return err
}

func (s *stressor) releaseAll() {
	for _, ptr := range s.allocs {
		s.mem.Kfree(ptr)
	}
	s.allocs = nil

	for _, as := range s.spaces {
		if err := s.mem.DestroyAddressSpace(as); err != nil {
			kfmt.Panic(err)
		}
	}
	s.spaces = nil

	s.mem.Reap()
}

func (s *stressor) report() {
	ops := make([]string, 0, len(s.counts))
	for op := range s.counts {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	kfmt.Fprintf(s.out, "seed %d, %d steps\n", s.opts.seed, s.opts.steps)
	pw := &kfmt.PrefixWriter{Sink: s.out, Prefix: []byte("  ")}
	for _, op := range ops {
		kfmt.Fprintf(pw, "%-10s %6d issued, %6d refused\n", op, s.counts[op], s.failed[op])
	}
	s.mem.Report(s.out)
}
