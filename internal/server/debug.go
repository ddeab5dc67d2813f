package server

import (
	"bytes"
	"net/http"
	"os"
	"runtime"
	rtmetrics "runtime/metrics"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const maxStackDump = 64 << 20

// runtimeSamples are the runtime/metrics read by /debug/system, keyed by the
// JSON field they are reported under.
var runtimeSamples = map[string]string{
	"goroutines":       "/sched/goroutines:goroutines",
	"heap_live_bytes":  "/gc/heap/live:bytes",
	"total_bytes":      "/memory/classes/total:bytes",
	"heap_goal_bytes":  "/gc/heap/goal:bytes",
	"gc_cycles":        "/gc/cycles/total:gc-cycles",
	"heap_objects":     "/gc/heap/objects:objects",
	"gomaxprocs":       "/sched/gomaxprocs:threads",
	"cgo_calls":        "/cgo/go-to-c-calls:calls",
	"heap_alloc_bytes": "/gc/heap/allocs:bytes",
}

type memoryReport struct {
	HeapAlloc    uint64 `json:"heap_alloc_bytes"`
	HeapInuse    uint64 `json:"heap_inuse_bytes"`
	HeapSys      uint64 `json:"heap_sys_bytes"`
	StackInuse   uint64 `json:"stack_inuse_bytes"`
	Sys          uint64 `json:"sys_bytes"`
	Readable     string `json:"sys"`
	NumGC        uint32 `json:"num_gc"`
	PauseTotalNs uint64 `json:"gc_pause_total_ns"`
}

type systemReport struct {
	GoVersion     string            `json:"go_version"`
	OS            string            `json:"os"`
	Arch          string            `json:"arch"`
	PID           int               `json:"pid"`
	NumCPU        int               `json:"num_cpu"`
	GOMAXPROCS    int               `json:"gomaxprocs"`
	Goroutines    int               `json:"goroutines"`
	StartedAt     time.Time         `json:"started_at"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Memory        memoryReport      `json:"memory"`
	Runtime       map[string]uint64 `json:"runtime"`
}

type threadReport struct {
	Goroutines    int      `json:"goroutines"`
	ThreadsMade   int      `json:"os_threads_created"`
	GOMAXPROCS    int      `json:"gomaxprocs"`
	Stacks        []string `json:"stacks"`
	StacksTrimmed bool     `json:"stacks_truncated,omitempty"`
}

// handleSystem reports process and Go runtime statistics.
func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, systemReport{
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		PID:           os.Getpid(),
		NumCPU:        runtime.NumCPU(),
		GOMAXPROCS:    runtime.GOMAXPROCS(0),
		Goroutines:    runtime.NumGoroutine(),
		StartedAt:     s.started,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Memory: memoryReport{
			HeapAlloc:    mem.HeapAlloc,
			HeapInuse:    mem.HeapInuse,
			HeapSys:      mem.HeapSys,
			StackInuse:   mem.StackInuse,
			Sys:          mem.Sys,
			Readable:     humanize.IBytes(mem.Sys),
			NumGC:        mem.NumGC,
			PauseTotalNs: mem.PauseTotalNs,
		},
		Runtime: readRuntimeSamples(),
	})
}

// handleThreads reports goroutine and OS thread counts with a dump of every
// goroutine stack.
func (s *Server) handleThreads(w http.ResponseWriter, _ *http.Request) {
	stacks, truncated := goroutineStacks()

	writeJSON(w, http.StatusOK, threadReport{
		Goroutines:    runtime.NumGoroutine(),
		ThreadsMade:   pprof.Lookup("threadcreate").Count(),
		GOMAXPROCS:    runtime.GOMAXPROCS(0),
		Stacks:        stacks,
		StacksTrimmed: truncated,
	})
}

func readRuntimeSamples() map[string]uint64 {
	samples := make([]rtmetrics.Sample, 0, len(runtimeSamples))
	for _, name := range runtimeSamples {
		samples = append(samples, rtmetrics.Sample{Name: name})
	}

	rtmetrics.Read(samples)

	byName := make(map[string]uint64, len(samples))

	for _, sample := range samples {
		if sample.Value.Kind() == rtmetrics.KindUint64 {
			byName[sample.Name] = sample.Value.Uint64()
		}
	}

	out := make(map[string]uint64, len(byName))

	for field, name := range runtimeSamples {
		if v, ok := byName[name]; ok {
			out[field] = v
		}
	}

	return out
}

// goroutineStacks dumps all goroutines, one entry per goroutine. The buffer
// grows until the dump fits or maxStackDump is reached.
func goroutineStacks() ([]string, bool) {
	buf := make([]byte, 64<<10)

	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]

			break
		}

		if len(buf) >= maxStackDump {
			return splitStacks(buf), true
		}

		buf = make([]byte, 2*len(buf))
	}

	return splitStacks(buf), false
}

func splitStacks(dump []byte) []string {
	var stacks []string

	for chunk := range bytes.SplitSeq(bytes.TrimSpace(dump), []byte("\n\n")) {
		if text := strings.TrimSpace(string(chunk)); text != "" {
			stacks = append(stacks, text)
		}
	}

	return stacks
}
