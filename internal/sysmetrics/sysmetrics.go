// Package sysmetrics is an optional sampler: a background goroutine that
// periodically appends CPU and memory usage to system.jsonl inside a run
// directory. Off by default; a run opts in when it wants hardware context
// next to its metrics.
package sysmetrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sampler periodically writes a system.jsonl entry until Stop is called.
type Sampler struct {
	path   string
	ticker *time.Ticker
	stopC  chan struct{}
	doneC  chan struct{}
	once   sync.Once
}

type sample struct {
	Timestamp     string  `json:"_timestamp"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryUsedGB  float64 `json:"memory_used_gb,omitempty"`
	MemoryTotalGB float64 `json:"memory_total_gb,omitempty"`
}

// Start launches a background sampler writing to runDir/system.jsonl.
func Start(runDir string, interval time.Duration) (*Sampler, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}
	s := &Sampler{
		path:   filepath.Join(runDir, "system.jsonl"),
		ticker: time.NewTicker(interval),
		stopC:  make(chan struct{}),
		doneC:  make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *Sampler) loop() {
	defer close(s.doneC)
	defer s.ticker.Stop()
	for {
		select {
		case <-s.stopC:
			return
		case <-s.ticker.C:
			s.writeOnce()
		}
	}
}

func (s *Sampler) writeOnce() {
	rec := sample{Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05Z")}

	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		rec.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		const gib = 1024 * 1024 * 1024
		rec.MemoryUsedGB = roundTo2(float64(vm.Used) / gib)
		rec.MemoryTotalGB = roundTo2(float64(vm.Total) / gib)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.Write(append(line, '\n'))
}

func roundTo2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// Stop halts sampling and waits briefly for the background goroutine to
// exit.
func (s *Sampler) Stop() {
	s.once.Do(func() { close(s.stopC) })
	select {
	case <-s.doneC:
	case <-time.After(2 * time.Second):
	}
}
