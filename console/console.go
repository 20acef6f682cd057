/*
 * ossim - Console: interactive command line for the simulator.
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

// Package console implements the simulator's interactive operator
// line: admit <path>, ps, mem, quit, with tab completion over the
// command set via github.com/peterh/liner.
package console

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/peterh/liner"

	"github.com/gocourse/ossim/scheduler"
)

var commands = []string{"admit", "ps", "mem", "quit", "help"}

// Admitter is the subset of *scheduler.Scheduler the console depends on.
type Admitter interface {
	Admit(path string) (int, error)
	Snapshot() []scheduler.PCB
}

// FrameReporter is the subset of *mmu.MMU the console depends on.
type FrameReporter interface {
	FramesInUse() int
	FrameCapacity() int
}

// Console reads operator commands from stdin and drives the
// Scheduler/MMU in response.
type Console struct {
	sched Admitter
	mem   FrameReporter
	out   io.Writer
	log   *slog.Logger
}

// New constructs a Console.
func New(sched Admitter, mem FrameReporter, out io.Writer, log *slog.Logger) *Console {
	return &Console{sched: sched, mem: mem, out: out, log: log}
}

// Run drives the command loop until "quit" or end of input, returning
// when the operator asks to exit.
func (c *Console) Run() {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(partial string) []string {
		return complete(partial)
	})

	for {
		input, err := line.Prompt("ossim> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return
			}
			c.log.Error("error reading console line: " + err.Error())
			return
		}
		line.AppendHistory(input)

		quit, err := c.dispatch(input)
		if err != nil {
			fmt.Fprintln(c.out, "Error: "+err.Error())
		}
		if quit {
			return
		}
	}
}

func complete(partial string) []string {
	var out []string
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, partial) {
			out = append(out, cmd)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Console) dispatch(input string) (quit bool, err error) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "admit":
		if len(fields) != 2 {
			return false, errors.New("usage: admit <path>")
		}
		pid, err := c.sched.Admit(fields[1])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "admitted pid %d\n", pid)
		return false, nil

	case "ps":
		c.printProcessTable()
		return false, nil

	case "mem":
		fmt.Fprintf(c.out, "%d/%d frames in use\n", c.mem.FramesInUse(), c.mem.FrameCapacity())
		return false, nil

	case "quit":
		return true, nil

	case "help":
		fmt.Fprintln(c.out, "commands: admit <path>, ps, mem, quit")
		return false, nil

	default:
		return false, fmt.Errorf("command not found: %s", fields[0])
	}
}

func (c *Console) printProcessTable() {
	snap := c.sched.Snapshot()
	sort.Slice(snap, func(i, j int) bool { return snap[i].PID < snap[j].PID })
	fmt.Fprintln(c.out, "PID\tSTATUS\tPC")
	for _, pcb := range snap {
		fmt.Fprintf(c.out, "%d\t%s\t%d\n", pcb.PID, pcb.Status, pcb.PC)
	}
}
