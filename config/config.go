/*
 * ossim - Configuration file parser
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

// Package config loads the simulator's flat key = value settings
// file: one setting per line, '#' starts a trailing comment, blank
// lines are ignored.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config carries every boot-time setting the simulator's three
// components need.
type Config struct {
	PageSize    int    // blocks per page
	PageNumber  int    // frames of physical memory
	MemoryClock int    // MMU ticks/second
	SchedClock  int    // scheduler ticks/second
	CPUClock    int    // CPU ticks/second
	Quantum     int    // RUNNING ticks before rotation
	SwapDir     string // swap file directory
	OutputDir   string // per-process output directory
}

// Default returns the settings used when no config file is given.
func Default() Config {
	return Config{
		PageSize:    8,
		PageNumber:  64,
		MemoryClock: 50,
		SchedClock:  20,
		CPUClock:    100,
		Quantum:     4,
		SwapDir:     "swap",
		OutputDir:   "output",
	}
}

// Load reads settings from path, starting from Default() so any
// setting the file omits keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()

	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		if err := applyLine(&cfg, scanner.Text()); err != nil {
			return Config{}, fmt.Errorf("%s:%d: %w", path, lineNumber, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyLine(cfg *Config, line string) error {
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return fmt.Errorf("malformed line %q: expected key = value", line)
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return fmt.Errorf("malformed line %q: empty key or value", line)
	}

	switch key {
	case "page_size":
		return setInt(&cfg.PageSize, key, value)
	case "page_number":
		return setInt(&cfg.PageNumber, key, value)
	case "memory_clock":
		return setInt(&cfg.MemoryClock, key, value)
	case "sched_clock":
		return setInt(&cfg.SchedClock, key, value)
	case "cpu_clock":
		return setInt(&cfg.CPUClock, key, value)
	case "quantum":
		return setInt(&cfg.Quantum, key, value)
	case "swap_dir":
		cfg.SwapDir = value
	case "output_dir":
		cfg.OutputDir = value
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if n <= 0 {
		return fmt.Errorf("%s: must be positive, got %d", key, n)
	}
	*dst = n
	return nil
}
