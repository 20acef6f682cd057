/*
 * ossim - Mailbox: typed in-memory message bus.
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

// Package mailbox implements the asynchronous message bus that connects
// the CPU, MMU and Scheduler. Every inter-component interaction on the
// hot path goes through here: there are no direct function calls between
// the three components.
package mailbox

import (
	"strconv"
	"strings"
	"sync"
)

// Address is a recipient name. The set of valid addresses is closed:
// Scheduler, MMU, CPU, and one private channel per live PID.
type Address string

const (
	Scheduler Address = "SCHEDULER"
	MMU       Address = "MMU"
	CPU       Address = "CPU"
)

// PID returns the private reply address for a process.
func PID(pid int) Address {
	return Address(strconv.Itoa(pid))
}

// Command is a pipe-delimited token list; the first token names the verb.
type Command []string

// Verb returns the command's leading token, or "" if empty.
func (c Command) Verb() string {
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

// Arg returns token i, or "" if out of range.
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c) {
		return ""
	}
	return c[i]
}

// String renders the pipe-delimited wire form.
func (c Command) String() string {
	return strings.Join(c, "|")
}

// Cmd builds a Command from a verb and a list of arguments, each
// stringified with fmt-free conversions the callers already hold.
func Cmd(verb string, args ...string) Command {
	c := make(Command, 0, 1+len(args))
	c = append(c, verb)
	c = append(c, args...)
	return c
}

// Message is one mailbox entry.
type Message struct {
	Sender    Address
	Recipient Address
	Command   Command
}

const logCapacity = 2048

// Bus is the thread-safe, per-recipient FIFO message bus. The zero value
// is not usable; construct with New.
type Bus struct {
	mu    sync.Mutex
	queue map[Address][]Message
	log   []string
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{queue: make(map[Address][]Message)}
}

// Put appends a message to the recipient's queue. Thread-safe,
// non-blocking, at-most-once delivery, FIFO per recipient.
func (b *Bus) Put(sender, recipient Address, command Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue[recipient] = append(b.queue[recipient], Message{
		Sender:    sender,
		Recipient: recipient,
		Command:   command,
	})
	line := string(sender) + " -> " + string(recipient) + ": " + command.String()
	b.log = append(b.log, line)
	if len(b.log) > logCapacity {
		b.log = b.log[len(b.log)-logCapacity:]
	}
}

// Get returns and removes the oldest message queued for recipient, or
// ok=false if the queue is empty. Never blocks.
func (b *Bus) Get(recipient Address) (msg Message, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue[recipient]
	if len(q) == 0 {
		return Message{}, false
	}
	msg = q[0]
	b.queue[recipient] = q[1:]
	return msg, true
}

// Drain removes and returns every message currently queued for
// recipient, oldest first.
func (b *Bus) Drain(recipient Address) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue[recipient]
	if len(q) == 0 {
		return nil
	}
	b.queue[recipient] = nil
	return q
}

// Log returns a snapshot of the most recent put events, oldest first,
// for UI/observability consumption. The returned slice is a copy.
func (b *Bus) Log() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.log))
	copy(out, b.log)
	return out
}
