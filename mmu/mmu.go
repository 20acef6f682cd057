/*
 * ossim - MMU: paged virtual memory, allocation, swap in/out.
 *
 * Copyright 2026, ossim contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package mmu implements paged virtual memory for the simulator: a flat
// frame table, a per-PID page table, and the allocate/free/read/write/
// swap verbs the mailbox protocol defines. Physical memory is a flat
// array of string cells; frames are identified by their starting
// offset and allocated by an ascending scan, which defragments
// allocation toward low addresses by construction.
package mmu

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gocourse/ossim/mailbox"
)

// SwapCoordinator is the scheduler-side view the MMU needs during a
// swap-out sequence: the swap lock and a read-only snapshot of
// candidate victims. The scheduler implements this.
type SwapCoordinator interface {
	LockSwap()
	UnlockSwap()
	Swappable() []int
}

// Config carries the boot-time memory parameters.
type Config struct {
	PageSize   int // blocks per page
	PageNumber int // frames of physical memory
	SwapDir    string
	Rate       int // ticks per second
}

// MMU owns the frame table and every process's page table.
type MMU struct {
	mu    sync.Mutex
	cells []string // flat physical memory, page_size*page_number cells
	used  []bool   // per-frame allocation record, ascending offset order
	pages map[int][]int // pid -> ordered page_index -> frame index

	cfg   Config
	bus   *mailbox.Bus
	sched SwapCoordinator
	log   *slog.Logger

	done  chan struct{}
	wg    sync.WaitGroup
	fatal chan any
}

// New constructs an MMU. pageSize and pageNumber must be positive.
func New(bus *mailbox.Bus, sched SwapCoordinator, cfg Config, log *slog.Logger) *MMU {
	total := cfg.PageSize * cfg.PageNumber
	return &MMU{
		cells: make([]string, total),
		used:  make([]bool, cfg.PageNumber),
		pages: make(map[int][]int),
		cfg:   cfg,
		bus:   bus,
		sched: sched,
		log:   log,
		done:  make(chan struct{}),
		fatal: make(chan any, 1),
	}
}

// Fatal reports a SYSTEM_FATAL condition (a swap file I/O failure):
// main selects on this alongside the console loop and re-panics with
// the reported value once every component has been stopped.
func (m *MMU) Fatal() <-chan any {
	return m.fatal
}

// Start runs the MMU's tick loop in the current goroutine's caller via
// a new goroutine; call Stop to shut it down. A SYSTEM_FATAL panic
// raised from tick is recovered here and forwarded on Fatal rather
// than crashing the process on this goroutine, so that main can stop
// the other components before re-raising it.
func (m *MMU) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				select {
				case m.fatal <- r:
				default:
				}
			}
		}()
		rate := m.cfg.Rate
		if rate <= 0 {
			rate = 1
		}
		ticker := time.NewTicker(time.Second / time.Duration(rate))
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()
}

// Stop signals the MMU's loop to exit and waits for it.
func (m *MMU) Stop() {
	close(m.done)
	m.wg.Wait()
}

// tick services at most one inbound request, per spec.
func (m *MMU) tick() {
	msg, ok := m.bus.Get(mailbox.MMU)
	if !ok {
		return
	}
	m.handle(msg)
}

func (m *MMU) handle(msg mailbox.Message) {
	cmd := msg.Command
	switch cmd.Verb() {
	case "allocate":
		pid := atoi(cmd.Arg(1))
		blocks := atoi(cmd.Arg(2))
		loading := cmd.Arg(3) == "true"
		m.allocate(pid, blocks, loading)
	case "free":
		pid := atoi(cmd.Arg(1))
		blocks := atoi(cmd.Arg(2))
		m.free(pid, blocks)
	case "swapIn":
		pid := atoi(cmd.Arg(1))
		m.swapIn(pid)
	case "read":
		pid := atoi(cmd.Arg(1))
		addr := atoi(cmd.Arg(2))
		final := cmd.Arg(3) == "true"
		m.read(msg.Sender, pid, addr, final)
	case "write":
		pid := atoi(cmd.Arg(1))
		addr := atoi(cmd.Arg(2))
		data := cmd.Arg(3)
		final := cmd.Arg(4) == "true"
		m.write(pid, addr, data, final)
	case "drop":
		pid := atoi(cmd.Arg(1))
		m.drop(pid)
	}
}

// Allocation outcomes.
const (
	allocSuccess         = "SUCCESS"
	allocNoFreeFrames    = "NO_FREE_FRAMES"
	allocExceedsCapacity = "EXCEEDS_CAPACITY"
)

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

// allocate implements the allocate verb, including the swap-out retry
// loop on NO_FREE_FRAMES.
func (m *MMU) allocate(pid, blocks int, loading bool) {
	pages := ceilDiv(blocks, m.cfg.PageSize)
	if pages == 0 {
		// Alloc of 0 blocks is a no-op success.
		m.replyAllocated(pid, loading)
		return
	}

	outcome := m.tryAllocate(pid, pages)
	switch outcome {
	case allocSuccess:
		m.replyAllocated(pid, loading)
		return
	case allocExceedsCapacity:
		m.log.Error("[MMU/ERROR] allocate exceeds capacity", "pid", pid, "pages", pages)
		m.bus.Put(mailbox.MMU, mailbox.Scheduler, mailbox.Cmd("drop", itoa(pid)))
		return
	}

	// NO_FREE_FRAMES: acquire the swap lock once, then retry against
	// successive victims from the scheduler's swappable snapshot.
	m.sched.LockSwap()
	defer m.sched.UnlockSwap()

	victims := m.sched.Swappable()
	for _, victim := range victims {
		if victim == pid {
			continue
		}
		if err := m.swapOut(victim); err != nil {
			m.log.Error("[MMU/FATAL] swap-out failed", "pid", victim, "error", err)
			panic(fmt.Sprintf("mmu: fatal swap-out failure for pid %d: %v", victim, err))
		}
		m.bus.Put(mailbox.MMU, mailbox.Scheduler, mailbox.Cmd("swappedOut", itoa(victim)))

		outcome = m.tryAllocate(pid, pages)
		if outcome == allocSuccess {
			m.replyAllocated(pid, loading)
			return
		}
		if outcome == allocExceedsCapacity {
			m.log.Error("[MMU/ERROR] allocate exceeds capacity", "pid", pid, "pages", pages)
			m.bus.Put(mailbox.MMU, mailbox.Scheduler, mailbox.Cmd("drop", itoa(pid)))
			return
		}
	}
	// Candidate list exhausted without freeing enough frames.
	m.bus.Put(mailbox.MMU, mailbox.Scheduler, mailbox.Cmd("skip", itoa(pid)))
}

func (m *MMU) replyAllocated(pid int, loading bool) {
	if loading {
		m.bus.Put(mailbox.MMU, mailbox.Scheduler, mailbox.Cmd("allocated", itoa(pid)))
	} else {
		m.bus.Put(mailbox.MMU, mailbox.Scheduler, mailbox.Cmd("unblock", itoa(pid)))
	}
}

// tryAllocate attempts to satisfy pages more pages for pid without
// swapping. Scans the frame table ascending and assigns free frames to
// successive page_index slots starting at the PID's current page count.
func (m *MMU) tryAllocate(pid, pages int) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := len(m.pages[pid])
	if pages+held > m.cfg.PageNumber {
		return allocExceedsCapacity
	}

	free := make([]int, 0, pages)
	for frame, busy := range m.used {
		if !busy {
			free = append(free, frame)
			if len(free) == pages {
				break
			}
		}
	}
	if len(free) < pages {
		return allocNoFreeFrames
	}

	for _, frame := range free {
		m.used[frame] = true
	}
	m.pages[pid] = append(m.pages[pid], free...)
	return allocSuccess
}

// free implements the free verb: frees pages from the highest
// page_index downward, clearing each cell to empty first.
func (m *MMU) free(pid, blocks int) {
	pages := ceilDiv(blocks, m.cfg.PageSize)
	if pages == 0 {
		return
	}

	m.mu.Lock()
	held := m.pages[pid]
	if len(held) < pages {
		m.mu.Unlock()
		m.log.Error("[MMU/ERROR] free exceeds held pages", "pid", pid, "held", len(held), "requested", pages)
		m.bus.Put(mailbox.MMU, mailbox.Scheduler, mailbox.Cmd("drop", itoa(pid)))
		return
	}

	for i := 0; i < pages; i++ {
		last := len(held) - 1
		frame := held[last]
		held = held[:last]
		m.clearFrame(frame)
		m.used[frame] = false
	}
	if len(held) == 0 {
		delete(m.pages, pid)
	} else {
		m.pages[pid] = held
	}
	m.mu.Unlock()
}

func (m *MMU) clearFrame(frame int) {
	base := frame * m.cfg.PageSize
	for i := 0; i < m.cfg.PageSize; i++ {
		m.cells[base+i] = ""
	}
}

// swapOut persists a process's memory to swap/<pid>.txt, one cell per
// line (blank lines for empty cells), then frees all of its frames.
func (m *MMU) swapOut(pid int) error {
	m.mu.Lock()
	frames := append([]int(nil), m.pages[pid]...)
	cells := make([]string, 0, len(frames)*m.cfg.PageSize)
	for _, frame := range frames {
		base := frame * m.cfg.PageSize
		cells = append(cells, m.cells[base:base+m.cfg.PageSize]...)
	}
	m.mu.Unlock()

	if err := os.MkdirAll(m.cfg.SwapDir, 0o755); err != nil {
		return fmt.Errorf("swap directory: %w", err)
	}
	path := filepath.Join(m.cfg.SwapDir, fmt.Sprintf("%d.txt", pid))
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, cell := range cells {
		if _, err := w.WriteString(cell + "\n"); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	m.mu.Lock()
	for _, frame := range frames {
		m.clearFrame(frame)
		m.used[frame] = false
	}
	delete(m.pages, pid)
	m.mu.Unlock()
	return nil
}

// swapIn reads the swap file back, re-allocates the same block count,
// and writes every non-blank line to contiguous virtual addresses
// 0..blocks-1 of the restored space. This deliberately does not
// reproduce the original sparse page layout; see SPEC_FULL.md §9.
func (m *MMU) swapIn(pid int) {
	path := filepath.Join(m.cfg.SwapDir, fmt.Sprintf("%d.txt", pid))
	file, err := os.Open(path)
	if err != nil {
		m.log.Error("[MMU/FATAL] swap file missing", "pid", pid, "error", err)
		panic(fmt.Sprintf("mmu: fatal swap-in failure for pid %d: %v", pid, err))
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		m.log.Error("[MMU/FATAL] swap file read error", "pid", pid, "error", err)
		panic(fmt.Sprintf("mmu: fatal swap-in read failure for pid %d: %v", pid, err))
	}

	blocks := len(lines)
	outcome := m.tryAllocate(pid, ceilDiv(blocks, m.cfg.PageSize))
	if outcome != allocSuccess {
		m.bus.Put(mailbox.MMU, mailbox.Scheduler, mailbox.Cmd("skip", itoa(pid)))
		return
	}

	for addr, line := range lines {
		if line == "" {
			continue
		}
		m.storeAt(pid, addr, line)
	}
	m.bus.Put(mailbox.MMU, mailbox.Scheduler, mailbox.Cmd("swappedIn", itoa(pid)))
}

func (m *MMU) storeAt(pid, addr int, data string) {
	page := addr / m.cfg.PageSize
	offset := addr % m.cfg.PageSize

	m.mu.Lock()
	defer m.mu.Unlock()
	frames := m.pages[pid]
	if page >= len(frames) {
		return
	}
	m.cells[frames[page]*m.cfg.PageSize+offset] = data
}

// read implements the read verb.
func (m *MMU) read(replyTo mailbox.Address, pid, addr int, final bool) {
	page := addr / m.cfg.PageSize
	offset := addr % m.cfg.PageSize

	m.mu.Lock()
	frames, mapped := m.pages[pid]
	var value string
	found := mapped && page < len(frames)
	if found {
		value = m.cells[frames[page]*m.cfg.PageSize+offset]
		found = value != ""
	}
	m.mu.Unlock()

	if !found {
		m.log.Error("[MMU/ERROR] read fault", "pid", pid, "addr", addr)
		m.bus.Put(mailbox.MMU, mailbox.Scheduler, mailbox.Cmd("drop", itoa(pid)))
		return
	}

	m.bus.Put(mailbox.MMU, replyTo, mailbox.Cmd("data", value, boolStr(final)))
	if final {
		m.bus.Put(mailbox.MMU, mailbox.Scheduler, mailbox.Cmd("unblock", itoa(pid)))
	}
}

// write implements the write verb.
func (m *MMU) write(pid, addr int, data string, final bool) {
	page := addr / m.cfg.PageSize
	offset := addr % m.cfg.PageSize

	m.mu.Lock()
	frames, mapped := m.pages[pid]
	if !mapped || page >= len(frames) {
		m.mu.Unlock()
		m.log.Error("[MMU/ERROR] write fault", "pid", pid, "addr", addr)
		m.bus.Put(mailbox.MMU, mailbox.Scheduler, mailbox.Cmd("drop", itoa(pid)))
		return
	}
	m.cells[frames[page]*m.cfg.PageSize+offset] = data
	m.mu.Unlock()

	if final {
		m.bus.Put(mailbox.MMU, mailbox.Scheduler, mailbox.Cmd("unblock", itoa(pid)))
	}
}

// drop frees all pages of pid and removes its page-table entry.
func (m *MMU) drop(pid int) {
	m.mu.Lock()
	frames := m.pages[pid]
	for _, frame := range frames {
		m.clearFrame(frame)
		m.used[frame] = false
	}
	delete(m.pages, pid)
	m.mu.Unlock()

	path := filepath.Join(m.cfg.SwapDir, fmt.Sprintf("%d.txt", pid))
	_ = os.Remove(path)
}

// FramesInUse reports how many frames are currently allocated, for
// tests and the console's `mem` command.
func (m *MMU) FramesInUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, busy := range m.used {
		if busy {
			n++
		}
	}
	return n
}

// PageCount reports how many pages pid currently holds.
func (m *MMU) PageCount(pid int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages[pid])
}

// FrameCapacity reports the total number of physical frames, for the
// console's `mem` command.
func (m *MMU) FrameCapacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
