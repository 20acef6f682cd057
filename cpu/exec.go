/*
 * ossim - CPU: instruction decode and the two-phase exec/execData split.
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

package cpu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gocourse/ossim/mailbox"
	"github.com/gocourse/ossim/scheduler"
)

// exec is phase one of an instruction: for data-free instructions it
// performs the whole action and advances pc; for instructions needing
// operand values, it issues the necessary reads, blocks the process,
// and leaves the instruction cached for a later execData call.
func (c *CPU) exec(pid int, pcb *scheduler.PCB, line string) error {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return fmt.Errorf("empty instruction at pc %d", pcb.PC)
	}

	switch tokens[0] {
	case "null":
		c.advance(pid, pcb.PC+1)
		return nil

	case "var":
		return c.execVar(pid, pcb, tokens)

	case "alloc":
		if len(tokens) != 2 {
			return fmt.Errorf("alloc: expected 1 argument, got %d", len(tokens)-1)
		}
		n, err := strconv.Atoi(tokens[1])
		if err != nil {
			return fmt.Errorf("alloc: %w", err)
		}
		c.advance(pid, pcb.PC+1)
		c.block(pid)
		c.bus.Put(mailbox.CPU, mailbox.MMU, mailbox.Cmd("allocate", itoa(pid), itoa(n), "false"))
		return nil

	case "free":
		if len(tokens) != 2 {
			return fmt.Errorf("free: expected 1 argument, got %d", len(tokens)-1)
		}
		n, err := strconv.Atoi(tokens[1])
		if err != nil {
			return fmt.Errorf("free: %w", err)
		}
		c.advance(pid, pcb.PC+1)
		c.bus.Put(mailbox.CPU, mailbox.MMU, mailbox.Cmd("free", itoa(pid), itoa(n)))
		return nil

	case "exit":
		c.finishInstruction(pid)
		c.bus.Put(mailbox.CPU, mailbox.Scheduler, mailbox.Cmd("drop", itoa(pid)))
		return nil

	case "jump":
		if len(tokens) != 2 {
			return fmt.Errorf("jump: expected a label")
		}
		return c.doJump(pid, pcb, tokens[1])

	case "jumpif":
		return c.execJumpif(pid, pcb, tokens)

	case "set":
		return c.execSet(pid, pcb, tokens)

	case "out":
		if len(tokens) != 2 {
			return fmt.Errorf("out: expected 1 argument, got %d", len(tokens)-1)
		}
		addr, ok := c.varAddr(pid, tokens[1])
		if !ok {
			return fmt.Errorf("out: unknown variable %q", tokens[1])
		}
		c.block(pid)
		c.setWant(pid, 1)
		c.read(pid, addr)
		return nil

	case "inc", "dec":
		if len(tokens) != 2 {
			return fmt.Errorf("%s: expected 1 argument, got %d", tokens[0], len(tokens)-1)
		}
		addr, ok := c.varAddr(pid, tokens[1])
		if !ok {
			return fmt.Errorf("%s: unknown variable %q", tokens[0], tokens[1])
		}
		c.block(pid)
		c.setWant(pid, 1)
		c.read(pid, addr)
		return nil

	case "math":
		return c.execMath(pid, pcb, tokens)

	default:
		return fmt.Errorf("unknown opcode %q", tokens[0])
	}
}

// execData is phase two: the data buffer now holds every value exec
// requested. It completes the instruction, advances pc and clears the
// in-flight caches.
func (c *CPU) execData(pid int, pcb *scheduler.PCB, line string, data []string) error {
	tokens := strings.Fields(line)
	switch tokens[0] {
	case "jumpif":
		return c.finishJumpif(pid, pcb, tokens, data)
	case "set":
		return c.finishSet(pid, pcb, tokens, data)
	case "out":
		return c.finishOut(pid, pcb, tokens, data)
	case "inc", "dec":
		return c.finishIncDec(pid, pcb, tokens, data)
	case "math":
		return c.finishMath(pid, pcb, tokens, data)
	default:
		return fmt.Errorf("execData: unexpected opcode %q", tokens[0])
	}
}

func (c *CPU) advance(pid, pc int) {
	c.sched.SetPC(pid, pc)
	c.finishInstruction(pid)
}

func (c *CPU) setWant(pid, n int) {
	c.mu.Lock()
	c.want[pid] = n
	c.mu.Unlock()
}

func (c *CPU) doJump(pid int, pcb *scheduler.PCB, label string) error {
	labels, ok := c.sched.Labels(pid)
	if !ok {
		return fmt.Errorf("jump: no label table for pid %d", pid)
	}
	target, ok := labels[label]
	if !ok {
		return fmt.Errorf("jump: unknown label %q", label)
	}
	c.advance(pid, target)
	return nil
}

func (c *CPU) execVar(pid int, pcb *scheduler.PCB, tokens []string) error {
	if len(tokens) != 3 && len(tokens) != 4 {
		return fmt.Errorf("var: expected 2 or 3 arguments, got %d", len(tokens)-1)
	}
	name := tokens[1]
	offset, err := strconv.Atoi(tokens[2])
	if err != nil {
		return fmt.Errorf("var: %w", err)
	}
	addr := offset + pcb.CodeLength
	c.bindVar(pid, name, addr)

	if len(tokens) == 3 {
		c.advance(pid, pcb.PC+1)
		return nil
	}
	c.advance(pid, pcb.PC+1)
	c.block(pid)
	c.write(pid, addr, tokens[3])
	return nil
}

func (c *CPU) execSet(pid int, pcb *scheduler.PCB, tokens []string) error {
	if len(tokens) != 3 {
		return fmt.Errorf("set: expected 2 arguments, got %d", len(tokens)-1)
	}
	lhsAddr, ok := c.varAddr(pid, tokens[1])
	if !ok {
		return fmt.Errorf("set: unknown variable %q", tokens[1])
	}
	rhs := tokens[2]
	if rhsAddr, ok := c.varAddr(pid, rhs); ok {
		c.block(pid)
		c.setWant(pid, 1)
		c.read(pid, rhsAddr)
		return nil
	}
	c.advance(pid, pcb.PC+1)
	c.block(pid)
	c.write(pid, lhsAddr, rhs)
	return nil
}

func (c *CPU) finishSet(pid int, pcb *scheduler.PCB, tokens []string, data []string) error {
	lhsAddr, ok := c.varAddr(pid, tokens[1])
	if !ok {
		return fmt.Errorf("set: unknown variable %q", tokens[1])
	}
	c.advance(pid, pcb.PC+1)
	c.block(pid)
	c.write(pid, lhsAddr, data[0])
	return nil
}

func (c *CPU) execJumpif(pid int, pcb *scheduler.PCB, tokens []string) error {
	if len(tokens) != 5 {
		return fmt.Errorf("jumpif: expected 4 arguments, got %d", len(tokens)-1)
	}
	v1, ok := c.varAddr(pid, tokens[1])
	if !ok {
		return fmt.Errorf("jumpif: unknown variable %q", tokens[1])
	}
	need := 1
	if addr2, ok := c.varAddr(pid, tokens[3]); ok {
		need = 2
		c.block(pid)
		c.setWant(pid, need)
		c.read(pid, v1)
		c.read(pid, addr2)
		return nil
	}
	c.block(pid)
	c.setWant(pid, need)
	c.read(pid, v1)
	return nil
}

func (c *CPU) finishJumpif(pid int, pcb *scheduler.PCB, tokens []string, data []string) error {
	op := tokens[2]
	lhs, err := strconv.ParseFloat(data[0], 64)
	if err != nil {
		return fmt.Errorf("jumpif: %w", err)
	}
	var rhs float64
	if len(data) > 1 {
		rhs, err = strconv.ParseFloat(data[1], 64)
	} else {
		rhs, err = strconv.ParseFloat(tokens[3], 64)
	}
	if err != nil {
		return fmt.Errorf("jumpif: %w", err)
	}

	branch, err := compare(lhs, op, rhs)
	if err != nil {
		return err
	}
	if branch {
		return c.doJump(pid, pcb, tokens[4])
	}
	c.advance(pid, pcb.PC+1)
	return nil
}

func compare(lhs float64, op string, rhs float64) (bool, error) {
	switch op {
	case "==":
		return lhs == rhs, nil
	case "!=":
		return lhs != rhs, nil
	case "<":
		return lhs < rhs, nil
	case "<=":
		return lhs <= rhs, nil
	case ">":
		return lhs > rhs, nil
	case ">=":
		return lhs >= rhs, nil
	default:
		return false, fmt.Errorf("jumpif: unknown operator %q", op)
	}
}

func (c *CPU) finishOut(pid int, pcb *scheduler.PCB, tokens []string, data []string) error {
	f, err := c.outputWriter(pcb)
	if err != nil {
		return fmt.Errorf("out: %w", err)
	}
	c.log.Info(fmt.Sprintf("[%d] %s", pid, data[0]))
	if _, err := fmt.Fprintf(f, "%s\n", data[0]); err != nil {
		return fmt.Errorf("out: %w", err)
	}
	c.advance(pid, pcb.PC+1)
	return nil
}

func (c *CPU) finishIncDec(pid int, pcb *scheduler.PCB, tokens []string, data []string) error {
	addr, ok := c.varAddr(pid, tokens[1])
	if !ok {
		return fmt.Errorf("%s: unknown variable %q", tokens[0], tokens[1])
	}
	v, err := strconv.ParseFloat(data[0], 64)
	if err != nil {
		return fmt.Errorf("%s: %w", tokens[0], err)
	}
	if tokens[0] == "inc" {
		v++
	} else {
		v--
	}
	c.advance(pid, pcb.PC+1)
	c.block(pid)
	c.write(pid, addr, formatNumber(v))
	return nil
}

func (c *CPU) execMath(pid int, pcb *scheduler.PCB, tokens []string) error {
	if len(tokens) != 2 {
		return fmt.Errorf("math: expected a single target=expr argument")
	}
	eq := strings.IndexByte(tokens[1], '=')
	if eq < 0 {
		return fmt.Errorf("math: missing '=' in %q", tokens[1])
	}
	target := tokens[1][:eq]
	expr := tokens[1][eq+1:]
	if _, ok := c.varAddr(pid, target); !ok {
		return fmt.Errorf("math: unknown target variable %q", target)
	}

	operands := c.mathOperands(pid, expr)
	var reads []int
	for _, name := range operands {
		addr, _ := c.varAddr(pid, name)
		reads = append(reads, addr)
	}
	if len(reads) == 0 {
		result, err := evalExpr(expr)
		if err != nil {
			return fmt.Errorf("math: %w", err)
		}
		return c.writeMathResult(pid, pcb, target, result)
	}

	c.block(pid)
	c.setWant(pid, len(reads))
	for _, addr := range reads {
		c.read(pid, addr)
	}
	return nil
}

func (c *CPU) finishMath(pid int, pcb *scheduler.PCB, tokens []string, data []string) error {
	eq := strings.IndexByte(tokens[1], '=')
	target := tokens[1][:eq]
	expr := tokens[1][eq+1:]

	substituted, err := c.substituteOperands(pid, expr, data)
	if err != nil {
		return fmt.Errorf("math: %w", err)
	}
	result, err := evalExpr(substituted)
	if err != nil {
		return fmt.Errorf("math: %w", err)
	}
	return c.writeMathResult(pid, pcb, target, result)
}

func (c *CPU) writeMathResult(pid int, pcb *scheduler.PCB, target string, result float64) error {
	addr, ok := c.varAddr(pid, target)
	if !ok {
		return fmt.Errorf("math: unknown target variable %q", target)
	}
	c.advance(pid, pcb.PC+1)
	c.block(pid)
	c.write(pid, addr, formatNumber(result))
	return nil
}

func formatNumber(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
