package main

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// cpuReading holds cumulative busy/idle jiffies from the first line of
// /proc/stat. Utilization is the busy share of the delta between two
// readings; a single reading proves nothing.
type cpuReading struct {
	busy uint64
	idle uint64
}

func readCPUStats() *cpuReading { return readCPUStatsFrom("/proc/stat") }

// readCPUStatsFrom parses "cpu user nice system idle iowait irq softirq
// steal [guest guest_nice]". Nil on any parse failure - callers treat
// that as "no reading, report 0%".
func readCPUStatsFrom(path string) *cpuReading {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return nil
	}

	fields := strings.Fields(scanner.Text())
	if len(fields) < 9 || fields[0] != "cpu" {
		return nil
	}
	values := make([]uint64, len(fields)-1)
	for i := 1; i < len(fields); i++ {
		parsed, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return nil
		}
		values[i-1] = parsed
	}

	// guest time is already accounted for in user/nice
	return &cpuReading{
		busy: values[0] + values[1] + values[2] + values[5] + values[6] + values[7],
		idle: values[3] + values[4],
	}
}

func cpuPercent(previous, current *cpuReading) float64 {
	if previous == nil || current == nil {
		return 0
	}
	busy := current.busy - previous.busy
	total := busy + (current.idle - previous.idle)
	if total == 0 {
		return 0
	}
	return float64(busy) / float64(total) * 100
}

func memoryPercent() float64 { return memoryPercentFrom("/proc/meminfo") }

// memoryPercentFrom derives utilization from MemTotal and MemAvailable.
// MemAvailable accounts for reclaimable caches, unlike MemFree.
func memoryPercentFrom(path string) float64 {
	file, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()

	var total, available uint64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = value
		case "MemAvailable:":
			available = value
		}
	}
	if total == 0 || available > total {
		return 0
	}
	return float64(total-available) / float64(total) * 100
}
