// Command vmsim drives the paging core and buffer cache through the
// reference end-to-end scenarios against an in-memory swap disk and
// file-system disk, printing a pass/fail line per scenario and, when
// --listen-address is given, serving the running system's Prometheus
// metrics until interrupted.
//
// Grounded on talyz-systemd_exporter's kingpin.Flag(...) variable-block
// style for option declaration, and on the mkfs/chentry command idiom
// (a usage-validating main, one function per concrete operation) for the
// scenario runner shape.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"vmkern/defs"
	"vmkern/disk"
	"vmkern/fsfile"
	"vmkern/klog"
	"vmkern/limits"
	"vmkern/process"
	"vmkern/spt"
	"vmkern/vmsys"
)

var (
	framePages    = kingpin.Flag("frames", "Number of page-sized physical frames in the pool.").Default("256").Int()
	swapSlots     = kingpin.Flag("swap-slots", "Number of page-sized slots on the simulated swap disk.").Default("1024").Int()
	listenAddress = kingpin.Flag("listen-address", "Address to serve /metrics on after the scenarios run (empty: don't serve).").Default("").String()
	scenarios     = kingpin.Flag("scenario", "Scenario to run (s1, s2, s4, s5, or all). Repeatable.").Default("all").Strings()
)

func main() {
	kingpin.Version("vmsim 0.1.0")
	kingpin.Parse()

	cfg := limits.Default()
	cfg.FramePages = *framePages
	cfg.SwapSlots = *swapSlots

	logger := klog.New(log.New(os.Stderr, "vmsim: ", log.LstdFlags))
	swapDisk := disk.NewMemDisk(defs.SwapDisk, cfg.SwapSlots*cfg.SectorsPerSlot(), cfg.SectorSize)
	fsDisk := disk.NewMemDisk(defs.FSDisk, cfg.CacheEntries*4*cfg.SectorsPerSlot(), cfg.SectorSize)
	vs := vmsys.New(cfg, swapDisk, fsDisk, logger)

	run := selectedScenarios(*scenarios)
	failed := false
	for _, s := range run {
		if err := s.run(vs); err != nil {
			fmt.Printf("%s: FAIL: %v\n", s.name, err)
			failed = true
			continue
		}
		fmt.Printf("%s: ok\n", s.name)
	}

	if *listenAddress != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(vs.Metrics())
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logger.Printf("serving /metrics on %s", *listenAddress)
		if err := http.ListenAndServe(*listenAddress, nil); err != nil {
			logger.Printf("metrics server stopped: %v", err)
		}
		return
	}

	if failed {
		os.Exit(1)
	}
}

type scenario struct {
	name string
	run  func(*vmsys.VmSystem) error
}

var all = []scenario{
	{"s1", scenarioS1},
	{"s2", scenarioS2},
	{"s4", scenarioS4},
	{"s5", scenarioS5},
}

// selectedScenarios resolves the --scenario flag (possibly repeated, "all"
// expanding to every scenario this driver can run standalone) into the
// ordered list to execute. Unrecognized names are dropped silently rather
// than aborting the whole run.
func selectedScenarios(names []string) []scenario {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	if want["all"] || len(want) == 0 {
		return all
	}
	var out []scenario
	for _, s := range all {
		if want[s.name] {
			out = append(out, s)
		}
	}
	return out
}

// scenarioS1 maps a 3-page file, forces lazy load of page 0 by reading it,
// forces load-and-dirty of page 2 by writing it, unmaps, then reopens the
// file and checks the written byte landed.
func scenarioS1(vs *vmsys.VmSystem) error {
	const pageSize = 4096
	data := make([]byte, 3*pageSize)
	f := fsfile.NewMemFile(data)

	h := vs.NewProcess(1, 0x8000_0000)
	const upage = 0x4000_0000
	mapid, err := vs.Mmap(h, upage, f, true)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}

	if _, err := vs.CopyIn(h, upage, 0); err != nil {
		return fmt.Errorf("read page 0: %w", err)
	}

	writeAddr := upage + 2*pageSize
	if err := vs.CopyOut(h, writeAddr, 0, 0x42); err != nil {
		return fmt.Errorf("write page 2: %w", err)
	}

	if err := vs.Munmap(h, mapid); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	if err := f.Seek(2 * pageSize); err != nil {
		return fmt.Errorf("reopen seek: %w", err)
	}
	got := make([]byte, 1)
	if _, err := f.Read(got); err != nil {
		return fmt.Errorf("reopen read: %w", err)
	}
	if got[0] != 0x42 {
		return fmt.Errorf("write not visible after munmap: got %#x want 0x42", got[0])
	}
	return nil
}

// scenarioS2 gives 40 processes 8 writable pages each, fills every page
// with the process's pid byte, and re-reads every byte — forcing repeated
// eviction to swap on a pool far smaller than the aggregate working set.
func scenarioS2(vs *vmsys.VmSystem) error {
	const pageSize = 4096
	const numProcs = 40
	const pagesPerProc = 8

	type touched struct {
		h     *process.Handle
		upage uintptr
	}
	var pages []touched

	for pid := 1; pid <= numProcs; pid++ {
		h := vs.NewProcess(pid, 0x8000_0000)
		base := uintptr(0x5000_0000)
		for i := 0; i < pagesPerProc; i++ {
			upage := base + uintptr(i)*pageSize
			// Stands in for a loader/brk call registering a fresh
			// demand-zero page before the process ever touches it.
			h.SPT.Insert(&spt.Entry{Upage: upage, State: spt.Evicted, Writable: true})
			if err := vs.CopyOut(h, upage, 0, byte(pid)); err != nil {
				return fmt.Errorf("pid %d page %d write: %w", pid, i, err)
			}
			pages = append(pages, touched{h, upage})
		}
	}

	for _, t := range pages {
		b, err := vs.CopyIn(t.h, t.upage, 0)
		if err != nil {
			return fmt.Errorf("pid %d readback: %w", t.h.Pid, err)
		}
		if b != byte(t.h.Pid) {
			return fmt.Errorf("pid %d readback mismatch: got %d want %d", t.h.Pid, b, t.h.Pid)
		}
	}
	return nil
}

// scenarioS4 exercises the stack-growth heuristic: a push just below the
// stack pointer succeeds and grows the stack, a wild access far below it
// is rejected.
func scenarioS4(vs *vmsys.VmSystem) error {
	const stackTop = 0x8000_0000
	h := vs.NewProcess(1, stackTop)

	grow := stackTop - 4
	if err := vs.Fault(h, grow, true, false); err != nil {
		return fmt.Errorf("expected stack growth to succeed: %w", err)
	}

	wild := stackTop - 8192
	if err := vs.Fault(h, wild, true, false); err == nil {
		return fmt.Errorf("expected wild access 8192 bytes below stack top to fail")
	}
	return nil
}

// scenarioS5 writes 128 distinct sectors through a 64-entry cache (forcing
// eviction), reads them all back, then shuts the cache down and checks the
// backing disk holds the last-written contents.
func scenarioS5(vs *vmsys.VmSystem) error {
	const sectorSize = 512
	const numSectors = 128

	for s := 0; s < numSectors; s++ {
		b := make([]byte, sectorSize)
		for i := range b {
			b[i] = byte(s)
		}
		if err := vs.CacheWrite(s, b); err != nil {
			return fmt.Errorf("write sector %d: %w", s, err)
		}
	}

	for s := 0; s < numSectors; s++ {
		out := make([]byte, sectorSize)
		if err := vs.CacheRead(s, out); err != nil {
			return fmt.Errorf("read sector %d: %w", s, err)
		}
		if out[0] != byte(s) {
			return fmt.Errorf("sector %d mismatch: got %#x want %#x", s, out[0], byte(s))
		}
	}

	if err := vs.CacheShutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	// Shutdown leaves the cache empty, so every read below is a miss
	// served from the backing disk.
	for s := 0; s < numSectors; s++ {
		out := make([]byte, sectorSize)
		if err := vs.CacheRead(s, out); err != nil {
			return fmt.Errorf("read sector %d after shutdown: %w", s, err)
		}
		if out[0] != byte(s) {
			return fmt.Errorf("sector %d on disk after shutdown: got %#x want %#x", s, out[0], byte(s))
		}
	}
	return nil
}
