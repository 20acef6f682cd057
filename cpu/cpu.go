/*
 * ossim - CPU: fetch/execute of the tiny instruction language.
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

// Package cpu implements fetch/execute of the simulator's tiny
// instruction language: null, var, alloc, free, exit, jump, jumpif,
// set, out, inc, dec and math. The CPU never calls the MMU or
// Scheduler directly for data; every read and write goes over the
// mailbox, addressed from the process's own private channel so that
// replies preserve per-process order.
package cpu

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocourse/ossim/mailbox"
	"github.com/gocourse/ossim/scheduler"
)

// Runner is the subset of *scheduler.Scheduler the CPU depends on.
type Runner interface {
	GetRunning() *scheduler.PCB
	SetPC(pid, pc int)
	Labels(pid int) (map[string]int, bool)
}

// Config carries the boot-time CPU parameters.
type Config struct {
	OutputDir string
	Rate      int // ticks per second
}

// CPU owns the per-process instruction/variable caches and output
// writers, and drives the fetch/execute loop.
type CPU struct {
	mu      sync.Mutex
	instr   map[int]string         // cached raw instruction line (label prefix kept)
	vars    map[int]map[string]int // name -> real virtual address
	dataBuf map[int][]string       // accumulated read replies for the in-flight instruction
	want    map[int]int            // values needed before execData can finalize
	outputs map[int]*os.File

	cfg   Config
	bus   *mailbox.Bus
	sched Runner
	log   *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a CPU.
func New(bus *mailbox.Bus, sched Runner, cfg Config, log *slog.Logger) *CPU {
	return &CPU{
		instr:   make(map[int]string),
		vars:    make(map[int]map[string]int),
		dataBuf: make(map[int][]string),
		want:    make(map[int]int),
		outputs: make(map[int]*os.File),
		cfg:     cfg,
		bus:     bus,
		sched:   sched,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Start runs the CPU's tick loop in a new goroutine.
func (c *CPU) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		rate := c.cfg.Rate
		if rate <= 0 {
			rate = 1
		}
		ticker := time.NewTicker(time.Second / time.Duration(rate))
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.tick()
			}
		}
	}()
}

// Stop signals the CPU's loop to exit, closes outstanding output
// writers, and waits for the loop to finish.
func (c *CPU) Stop() {
	close(c.done)
	c.wg.Wait()
	c.mu.Lock()
	for pid, f := range c.outputs {
		f.Close()
		delete(c.outputs, pid)
	}
	c.mu.Unlock()
}

func (c *CPU) tick() {
	for _, msg := range c.bus.Drain(mailbox.CPU) {
		if msg.Command.Verb() == "drop" {
			c.dropCaches(atoiSafe(msg.Command.Arg(1)))
		}
	}

	pcb := c.sched.GetRunning()
	if pcb == nil {
		return
	}
	pid := pcb.PID

	c.mu.Lock()
	cached, haveInstr := c.instr[pid]
	c.mu.Unlock()

	if !haveInstr {
		msg, ok := c.bus.Get(mailbox.PID(pid))
		if !ok {
			c.bus.Put(mailbox.PID(pid), mailbox.MMU, mailbox.Cmd("read", itoa(pid), itoa(pcb.PC), "true"))
			return
		}
		if msg.Command.Verb() != "data" {
			return
		}
		cached = msg.Command.Arg(1)
		c.mu.Lock()
		c.instr[pid] = cached
		c.mu.Unlock()
		haveInstr = true
	}

	// Drain one reply into the data buffer this tick. Every read the CPU
	// issues is marked final, so in practice this already stops after a
	// final-marked reply; the want[pid] counter below is what actually
	// decides when enough replies are in, rather than the final marker.
	if msg, ok := c.bus.Get(mailbox.PID(pid)); ok && msg.Command.Verb() == "data" {
		c.mu.Lock()
		c.dataBuf[pid] = append(c.dataBuf[pid], msg.Command.Arg(1))
		c.mu.Unlock()
	}

	line := stripLabel(cached)

	c.mu.Lock()
	buf := c.dataBuf[pid]
	needed := c.want[pid]
	c.mu.Unlock()

	var err error
	switch {
	case needed == 0 && len(buf) == 0:
		// No reads are outstanding for this instruction yet: first visit.
		err = c.exec(pid, pcb, line)
	case needed > 0 && len(buf) >= needed:
		err = c.execData(pid, pcb, line, buf)
	default:
		// Reads are outstanding (want>0) but not all replies are in yet.
		// The scheduler's block hasn't taken pid off the running slot
		// yet either, so without this guard exec would re-fire every
		// tick and flood the MMU with duplicate reads.
	}

	if err != nil {
		c.log.Error("[CPU/ERROR] "+err.Error(), "pid", pid)
		c.dropCaches(pid)
		c.bus.Put(mailbox.CPU, mailbox.Scheduler, mailbox.Cmd("drop", itoa(pid)))
	}
}

func (c *CPU) dropCaches(pid int) {
	c.mu.Lock()
	delete(c.instr, pid)
	delete(c.vars, pid)
	delete(c.dataBuf, pid)
	delete(c.want, pid)
	f, ok := c.outputs[pid]
	delete(c.outputs, pid)
	c.mu.Unlock()
	if ok {
		f.Close()
	}
}

// finishInstruction clears the in-flight caches for pid so the next
// tick performs a fresh fetch.
func (c *CPU) finishInstruction(pid int) {
	c.mu.Lock()
	delete(c.instr, pid)
	delete(c.dataBuf, pid)
	delete(c.want, pid)
	c.mu.Unlock()
}

func (c *CPU) block(pid int) {
	c.bus.Put(mailbox.CPU, mailbox.Scheduler, mailbox.Cmd("block", itoa(pid)))
}

func (c *CPU) read(pid, addr int) {
	c.bus.Put(mailbox.PID(pid), mailbox.MMU, mailbox.Cmd("read", itoa(pid), itoa(addr), "true"))
}

func (c *CPU) write(pid, addr int, value string) {
	c.bus.Put(mailbox.PID(pid), mailbox.MMU, mailbox.Cmd("write", itoa(pid), itoa(addr), value, "true"))
}

func (c *CPU) varAddr(pid int, name string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.vars[pid]
	if !ok {
		return 0, false
	}
	addr, ok := m[name]
	return addr, ok
}

func (c *CPU) bindVar(pid int, name string, addr int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.vars[pid]
	if !ok {
		m = make(map[string]int)
		c.vars[pid] = m
	}
	m[name] = addr
}

func stripLabel(line string) string {
	if idx := strings.Index(line, ":"); idx >= 0 {
		prefix := line[:idx]
		if isLabelToken(prefix) {
			return line[idx+1:]
		}
	}
	return line
}

func isLabelToken(s string) bool {
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

func itoa(n int) string { return strconv.Itoa(n) }

func atoiSafe(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func (c *CPU) outputPath(pcb *scheduler.PCB) string {
	base := strings.TrimSuffix(filepath.Base(pcb.CodePath), filepath.Ext(pcb.CodePath))
	for n := 0; ; n++ {
		name := base + ".txt"
		if n > 0 {
			name = fmt.Sprintf("%s(%d).txt", base, n)
		}
		path := filepath.Join(c.cfg.OutputDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}

func (c *CPU) outputWriter(pcb *scheduler.PCB) (*os.File, error) {
	c.mu.Lock()
	f, ok := c.outputs[pcb.PID]
	c.mu.Unlock()
	if ok {
		return f, nil
	}
	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(c.outputPath(pcb))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.outputs[pcb.PID] = f
	c.mu.Unlock()
	return f, nil
}
