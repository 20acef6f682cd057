/*
 * ossim - Main process: wires the mailbox, MMU, Scheduler and CPU
 * together and runs the operator console.
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

package main

import (
	"log/slog"
	"os"

	getopt "github.com/pborman/getopt/v2"

	"github.com/gocourse/ossim/config"
	"github.com/gocourse/ossim/console"
	"github.com/gocourse/ossim/cpu"
	"github.com/gocourse/ossim/mailbox"
	"github.com/gocourse/ossim/mmu"
	"github.com/gocourse/ossim/scheduler"
	"github.com/gocourse/ossim/util/logger"
)

var Logger *slog.Logger

func main() {
	optConfig := getopt.StringLong("config", 'c', "ossim.cfg", "Configuration file")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optDebug := getopt.BoolLong("debug", 'd', "Log debug-level messages to stderr")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	var file *os.File
	if optLogFile != nil && *optLogFile != "" {
		var err error
		file, err = os.Create(*optLogFile)
		if err != nil {
			slog.Error("can't create log file: " + err.Error())
			os.Exit(1)
		}
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(slog.LevelInfo)
	if *optDebug {
		programLevel.Set(slog.LevelDebug)
	}
	Logger = slog.New(logger.NewHandler(file, &slog.HandlerOptions{Level: programLevel}, *optDebug))
	slog.SetDefault(Logger)

	Logger.Info("ossim started")

	cfg := config.Default()
	if optConfig != nil && *optConfig != "" {
		if _, err := os.Stat(*optConfig); err == nil {
			cfg, err = config.Load(*optConfig)
			if err != nil {
				Logger.Error(err.Error())
				os.Exit(1)
			}
		}
	}

	bus := mailbox.New()
	sched := scheduler.New(bus, scheduler.Config{Quantum: cfg.Quantum, Rate: cfg.SchedClock}, Logger)
	mem := mmu.New(bus, sched, mmu.Config{
		PageSize:   cfg.PageSize,
		PageNumber: cfg.PageNumber,
		SwapDir:    cfg.SwapDir,
		Rate:       cfg.MemoryClock,
	}, Logger)
	proc := cpu.New(bus, sched, cpu.Config{OutputDir: cfg.OutputDir, Rate: cfg.CPUClock}, Logger)

	sched.Start()
	mem.Start()
	proc.Start()

	shutdown := func() {
		Logger.Info("shutting down")
		proc.Stop()
		mem.Stop()
		sched.Stop()
		Logger.Info("shut down")
	}

	consoleDone := make(chan struct{})
	go func() {
		ui := console.New(sched, mem, os.Stdout, Logger)
		ui.Run()
		close(consoleDone)
	}()

	// SYSTEM_FATAL (a swap file I/O failure) is recovered inside the
	// MMU's own goroutine and reported here rather than crashing the
	// process on that goroutine; catching it at the top of main lets
	// every worker stop cleanly before the failure is re-raised.
	select {
	case <-consoleDone:
		shutdown()
	case r := <-mem.Fatal():
		shutdown()
		panic(r)
	}
}
