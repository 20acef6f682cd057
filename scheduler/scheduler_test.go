package scheduler

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/gocourse/ossim/mailbox"
)

func writeProgram(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.txt")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), fs.FileMode(0o644)); err != nil {
		t.Fatalf("write program: %v", err)
	}
	return path
}

func newTestScheduler() (*Scheduler, *mailbox.Bus) {
	bus := mailbox.New()
	s := New(bus, Config{Quantum: 2, Rate: 100}, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	return s, bus
}

func TestAdmitRequestsAllocation(t *testing.T) {
	s, bus := newTestScheduler()
	path := writeProgram(t, "var x 0 5", "out x", "exit")

	pid, err := s.Admit(path)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if pid != 1 {
		t.Fatalf("expected first admitted pid to be 1, got %d", pid)
	}

	msg, ok := bus.Get(mailbox.MMU)
	if !ok || msg.Command.Verb() != "allocate" || msg.Command.Arg(1) != "1" || msg.Command.Arg(2) != "3" {
		t.Fatalf("expected allocate|1|3|true, got %+v ok=%v", msg, ok)
	}
}

func TestAllocatedDrivesWriteSequenceThenReady(t *testing.T) {
	s, bus := newTestScheduler()
	path := writeProgram(t, "null", "null", "exit")
	pid, _ := s.Admit(path)
	bus.Get(mailbox.MMU) // discard allocate request

	s.handle(mailbox.Message{Command: mailbox.Cmd("allocated", itoa(pid))})

	for i := 0; i < 3; i++ {
		msg, ok := bus.Get(mailbox.MMU)
		if !ok || msg.Command.Verb() != "write" {
			t.Fatalf("expected write message %d, got %+v ok=%v", i, msg, ok)
		}
		wantFinal := boolStr(i == 2)
		if msg.Command.Arg(4) != wantFinal {
			t.Fatalf("write %d final flag = %s, want %s", i, msg.Command.Arg(4), wantFinal)
		}
	}

	// Final write's ack is what moves the process to READY.
	s.handle(mailbox.Message{Command: mailbox.Cmd("unblock", itoa(pid))})
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Status != READY {
		t.Fatalf("expected process READY after admission completes, got %+v", snap)
	}
}

func TestRoundRobinRotatesAfterQuantum(t *testing.T) {
	s, _ := newTestScheduler()
	s.mu.Lock()
	s.table[1] = &PCB{PID: 1, Status: READY}
	s.ready = []int{1}
	s.mu.Unlock()

	s.mu.Lock()
	s.selectRunningLocked()
	s.mu.Unlock()
	if s.GetRunning() == nil || s.GetRunning().PID != 1 {
		t.Fatalf("expected pid 1 running")
	}

	s.mu.Lock()
	s.runningTicks = s.cfg.Quantum - 1
	s.runningTicks++
	if s.runningTicks >= s.cfg.Quantum {
		s.rotateRunningLocked()
	}
	s.mu.Unlock()

	if s.GetRunning() != nil {
		t.Fatalf("expected no running process after quantum expires")
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Status != READY {
		t.Fatalf("expected pid 1 rotated back to READY, got %+v", snap)
	}
}

func TestDropRemovesFromAllQueuesImmediately(t *testing.T) {
	s, bus := newTestScheduler()
	s.mu.Lock()
	s.table[1] = &PCB{PID: 1, Status: BLOCKED}
	s.blocked = []int{1}
	s.mu.Unlock()

	s.handle(mailbox.Message{Command: mailbox.Cmd("drop", "1")})

	if snap := s.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected PCB removed from table on drop, got %+v", snap)
	}
	if got := s.Swappable(); len(got) != 0 {
		t.Fatalf("expected dropped pid absent from swappable, got %+v", got)
	}

	msgs := map[string]bool{}
	for _, addr := range []mailbox.Address{mailbox.CPU, mailbox.MMU} {
		msg, ok := bus.Get(addr)
		if !ok {
			t.Fatalf("expected drop broadcast to %s", addr)
		}
		msgs[string(addr)] = msg.Command.Verb() == "drop"
	}
	if !msgs[string(mailbox.CPU)] || !msgs[string(mailbox.MMU)] {
		t.Fatalf("expected drop broadcast to both CPU and MMU")
	}
}

func TestSwappableOrdersBlockedBeforeReadyTail(t *testing.T) {
	s, _ := newTestScheduler()
	s.mu.Lock()
	s.table[1] = &PCB{PID: 1, Status: BLOCKED}
	s.table[2] = &PCB{PID: 2, Status: BLOCKED}
	s.table[3] = &PCB{PID: 3, Status: READY}
	s.blocked = []int{1, 2}
	s.ready = []int{3}
	s.mu.Unlock()

	got := s.Swappable()
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestSwapLockBlocksAdvance(t *testing.T) {
	s, _ := newTestScheduler()
	s.mu.Lock()
	s.table[1] = &PCB{PID: 1, Status: READY}
	s.ready = []int{1}
	s.mu.Unlock()

	s.LockSwap()
	s.tick()
	s.UnlockSwap()

	if s.GetRunning() != nil {
		t.Fatalf("expected scheduler to refuse to advance while swap lock is held")
	}
}

func TestSkipMovesToReadyTail(t *testing.T) {
	s, _ := newTestScheduler()
	s.mu.Lock()
	s.table[1] = &PCB{PID: 1, Status: READY}
	s.table[2] = &PCB{PID: 2, Status: READY}
	s.ready = []int{1, 2}
	s.mu.Unlock()

	s.handle(mailbox.Message{Command: mailbox.Cmd("skip", "1")})

	s.mu.RLock()
	got := append([]int(nil), s.ready...)
	s.mu.RUnlock()
	if len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Fatalf("expected [2 1] after skipping 1, got %v", got)
	}
}

func TestScanProgramPopulatesLabels(t *testing.T) {
	path := writeProgram(t, "var x 0 1", "loop:inc x", "jump loop")
	lines, labels, err := scanProgram(path)
	if err != nil {
		t.Fatalf("scanProgram failed: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if labels["loop"] != 1 {
		t.Fatalf("expected label 'loop' at line 1, got %v", labels)
	}
}
