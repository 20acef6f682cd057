/*
 * ossim - Scheduler: process lifecycle, ready queue, round-robin, swap coordination.
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

// Package scheduler owns process admission, the ready/blocked/swapped
// queues, round-robin quantum enforcement, and the swap lock that
// coordinates with the MMU during a swap-out sequence.
package scheduler

import (
	"bufio"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocourse/ossim/mailbox"
)

// Status is a PCB's lifecycle state.
type Status int

const (
	NEW Status = iota
	READY
	RUNNING
	BLOCKED
	SWAPPED_OUT
	TERMINATED
)

func (s Status) String() string {
	switch s {
	case NEW:
		return "NEW"
	case READY:
		return "READY"
	case RUNNING:
		return "RUNNING"
	case BLOCKED:
		return "BLOCKED"
	case SWAPPED_OUT:
		return "SWAPPED_OUT"
	case TERMINATED:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// PCB is the Process Control Block.
type PCB struct {
	PID        int
	CodePath   string
	CodeLength int
	PC         int
	Status     Status
	Priority   int // creation order, used for tie-breaking

	// Lines and Labels are populated once at admission, by the
	// scheduler's single-pass scan of the program source. This keeps
	// the CPU from ever reading the program source file (SPEC_FULL.md
	// Open Question 1).
	Lines  []string
	Labels map[string]int
}

// Config carries the boot-time scheduling parameters.
type Config struct {
	Quantum int // RUNNING ticks before rotation
	Rate    int // ticks per second
}

// Scheduler drives process admission and round-robin dispatch.
type Scheduler struct {
	mu      sync.RWMutex
	table   map[int]*PCB
	nextPID int

	ready   []int
	blocked []int
	swapped map[int]struct{}

	running      int
	runningTicks int

	swapMu sync.Mutex

	cfg Config
	bus *mailbox.Bus
	log *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Scheduler.
func New(bus *mailbox.Bus, cfg Config, log *slog.Logger) *Scheduler {
	return &Scheduler{
		table:   make(map[int]*PCB),
		swapped: make(map[int]struct{}),
		cfg:     cfg,
		bus:     bus,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Start runs the scheduler's tick loop in a new goroutine.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rate := s.cfg.Rate
		if rate <= 0 {
			rate = 1
		}
		ticker := time.NewTicker(time.Second / time.Duration(rate))
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop signals the scheduler's loop to exit and waits for it.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
}

// Admit loads a program's source from disk, assigns it a fresh PID,
// and requests the MMU allocate its code segment. Equivalent to the
// mailbox verb `admit path code_length`, invoked directly by the
// console collaborator rather than over the bus, since admission is a
// boot/operator action, not a hot-path inter-component interaction.
func (s *Scheduler) Admit(path string) (int, error) {
	lines, labels, err := scanProgram(path)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.nextPID++
	pid := s.nextPID
	pcb := &PCB{
		PID:        pid,
		CodePath:   path,
		CodeLength: len(lines),
		Status:     NEW,
		Priority:   pid,
		Lines:      lines,
		Labels:     labels,
	}
	s.table[pid] = pcb
	s.mu.Unlock()

	s.bus.Put(mailbox.Scheduler, mailbox.MMU, mailbox.Cmd("allocate", itoa(pid), itoa(len(lines)), "true"))
	return pid, nil
}

// scanProgram reads a program source file once, returning its lines
// (label prefix retained) and a label -> line_index map for every line
// matching `name:rest`.
func scanProgram(path string) ([]string, map[string]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	var lines []string
	labels := make(map[string]int)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, ":"); idx >= 0 && isLabelName(line[:idx]) {
			labels[line[:idx]] = len(lines)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return lines, labels, nil
}

func isLabelName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r == ' ' || r == '\t' {
			return false
		}
	}
	return true
}

// tick drains inbound messages, then advances the running process by
// one quantum slot if the swap lock is free.
func (s *Scheduler) tick() {
	for _, msg := range s.bus.Drain(mailbox.Scheduler) {
		s.handle(msg)
	}

	if !s.swapMu.TryLock() {
		return // swap lock held: refuse to advance.
	}
	s.swapMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == 0 {
		s.selectRunningLocked()
		return
	}
	s.runningTicks++
	if s.runningTicks >= s.cfg.Quantum {
		s.rotateRunningLocked()
	}
}

func (s *Scheduler) handle(msg mailbox.Message) {
	cmd := msg.Command
	switch cmd.Verb() {
	case "allocated":
		s.onAllocated(atoi(cmd.Arg(1)))
	case "unblock":
		s.onUnblock(atoi(cmd.Arg(1)))
	case "block":
		s.onBlock(atoi(cmd.Arg(1)))
	case "drop":
		s.onDrop(atoi(cmd.Arg(1)))
	case "swappedOut":
		s.onSwappedOut(atoi(cmd.Arg(1)))
	case "swappedIn":
		s.onSwappedIn(atoi(cmd.Arg(1)))
	case "skip":
		s.onSkip(atoi(cmd.Arg(1)))
	}
}

// onAllocated writes the process's code lines into its freshly
// allocated address space, sequentially, the last write marked final.
func (s *Scheduler) onAllocated(pid int) {
	s.mu.RLock()
	pcb, ok := s.table[pid]
	var lines []string
	if ok {
		lines = pcb.Lines
	}
	s.mu.RUnlock()
	if !ok {
		return
	}

	for i, line := range lines {
		final := i == len(lines)-1
		s.bus.Put(mailbox.Scheduler, mailbox.MMU, mailbox.Cmd("write", itoa(pid), itoa(i), line, boolStr(final)))
	}
	if len(lines) == 0 {
		// Nothing to load; move straight to READY.
		s.onUnblock(pid)
	}
}

// onUnblock moves a process to READY. NEW (awaiting the admission
// write sequence's final ack) and BLOCKED both transition here.
func (s *Scheduler) onUnblock(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pcb, ok := s.table[pid]
	if !ok || (pcb.Status != NEW && pcb.Status != BLOCKED) {
		return
	}
	if pcb.Status == BLOCKED {
		s.blocked = removeInt(s.blocked, pid)
	}
	pcb.Status = READY
	s.ready = append(s.ready, pid)
}

func (s *Scheduler) onBlock(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pcb, ok := s.table[pid]
	if !ok || pcb.Status != RUNNING {
		return
	}
	if pid == s.running {
		s.running = 0
		s.runningTicks = 0
	}
	pcb.Status = BLOCKED
	s.blocked = append(s.blocked, pid)
}

func (s *Scheduler) onDrop(pid int) {
	s.mu.Lock()
	pcb, ok := s.table[pid]
	if !ok {
		s.mu.Unlock()
		return
	}
	pcb.Status = TERMINATED
	s.ready = removeInt(s.ready, pid)
	s.blocked = removeInt(s.blocked, pid)
	delete(s.swapped, pid)
	if s.running == pid {
		s.running = 0
		s.runningTicks = 0
	}
	delete(s.table, pid)
	s.mu.Unlock()

	s.bus.Put(mailbox.Scheduler, mailbox.CPU, mailbox.Cmd("drop", itoa(pid)))
	s.bus.Put(mailbox.Scheduler, mailbox.MMU, mailbox.Cmd("drop", itoa(pid)))
	s.log.Info("process dropped", "pid", pid)
}

func (s *Scheduler) onSwappedOut(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pcb, ok := s.table[pid]
	if !ok || pcb.Status == TERMINATED {
		return
	}
	s.ready = removeInt(s.ready, pid)
	s.blocked = removeInt(s.blocked, pid)
	if s.running == pid {
		s.running = 0
		s.runningTicks = 0
	}
	pcb.Status = SWAPPED_OUT
	s.swapped[pid] = struct{}{}
}

func (s *Scheduler) onSwappedIn(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pcb, ok := s.table[pid]
	if !ok || pcb.Status == TERMINATED {
		return
	}
	delete(s.swapped, pid)
	pcb.Status = READY
	s.ready = append(s.ready, pid)
}

func (s *Scheduler) onSkip(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pcb, ok := s.table[pid]
	if !ok || pcb.Status == TERMINATED {
		return
	}
	s.ready = removeInt(s.ready, pid)
	s.ready = append(s.ready, pid)
	_ = pcb
}

// selectRunningLocked picks the next RUNNING process when none is
// currently running. Caller holds s.mu.
func (s *Scheduler) selectRunningLocked() {
	if len(s.ready) == 0 {
		return
	}
	pid := s.ready[0]
	s.ready = s.ready[1:]

	pcb := s.table[pid]
	if pcb == nil {
		return
	}
	if pcb.Status == SWAPPED_OUT {
		// A prior swap-in attempt failed and this pid was skipped back
		// onto the ready tail while still resident on disk. Retry the
		// swap-in and leave it pending rather than running it.
		s.bus.Put(mailbox.Scheduler, mailbox.MMU, mailbox.Cmd("swapIn", itoa(pid)))
		return
	}
	pcb.Status = RUNNING
	s.running = pid
	s.runningTicks = 0
}

// rotateRunningLocked moves the current RUNNING process back to the
// READY tail after it has held the CPU for a full quantum. Caller
// holds s.mu.
func (s *Scheduler) rotateRunningLocked() {
	pid := s.running
	pcb := s.table[pid]
	if pcb != nil {
		pcb.Status = READY
		s.ready = append(s.ready, pid)
	}
	s.running = 0
	s.runningTicks = 0
}

// GetRunning returns the current RUNNING PCB, or nil if none. Read
// directly by the CPU; it does not block and does not go through the
// mailbox, mirroring the teacher's non-blocking status queries.
func (s *Scheduler) GetRunning() *PCB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.running == 0 {
		return nil
	}
	pcb := s.table[s.running]
	if pcb == nil {
		return nil
	}
	cp := *pcb
	return &cp
}

// SetPC updates a process's program counter. Called by the CPU after
// fetch/execute advances or a jump resolves.
func (s *Scheduler) SetPC(pid, pc int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pcb, ok := s.table[pid]; ok {
		pcb.PC = pc
	}
}

// Labels returns the label cache for pid, populated at admission.
func (s *Scheduler) Labels(pid int) (map[string]int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pcb, ok := s.table[pid]
	if !ok {
		return nil, false
	}
	return pcb.Labels, true
}

// Line returns the raw source line at index, as scanned at admission.
// The CPU's fetch step does not use it; it reads code through the MMU.
func (s *Scheduler) Line(pid, index int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pcb, ok := s.table[pid]
	if !ok || index < 0 || index >= len(pcb.Lines) {
		return "", false
	}
	return pcb.Lines[index], true
}

// LockSwap acquires the swap lock. Held by the MMU exclusively during
// a multi-step swap-out sequence.
func (s *Scheduler) LockSwap() { s.swapMu.Lock() }

// UnlockSwap releases the swap lock.
func (s *Scheduler) UnlockSwap() { s.swapMu.Unlock() }

// Swappable returns a read-only snapshot of candidate swap victims:
// every BLOCKED pid (oldest first) followed by the pid at the tail of
// READY, if any.
func (s *Scheduler) Swappable() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.blocked)+1)
	out = append(out, s.blocked...)
	if len(s.ready) > 0 {
		out = append(out, s.ready[len(s.ready)-1])
	}
	return out
}

// Snapshot returns a copy of every live PCB, for the console's `ps`.
func (s *Scheduler) Snapshot() []PCB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PCB, 0, len(s.table))
	for _, pcb := range s.table {
		out = append(out, *pcb)
	}
	return out
}

func removeInt(xs []int, v int) []int {
	for i, x := range xs {
		if x == v {
			return append(xs[:i], xs[i+1:]...)
		}
	}
	return xs
}

func itoa(n int) string { return strconv.Itoa(n) }

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
