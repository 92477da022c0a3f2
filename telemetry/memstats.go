package telemetry

import "runtime"

// MemoryStats is the slice of runtime.MemStats worth putting in a periodic status line
type MemoryStats struct {
	// Bytes of allocated heap objects
	Alloc uint64 `json:"alloc"`

	// Cumulative bytes allocated for heap objects; never decreases
	TotalAlloc uint64 `json:"totalAlloc"`

	// Total bytes of memory obtained from the OS
	Sys uint64 `json:"sys"`

	Mallocs uint64 `json:"mallocs"`
	Frees   uint64 `json:"frees"`

	// Mallocs - Frees
	LiveObjects uint64 `json:"liveObjects"`

	// Total number of goroutines in the entire process
	NumGoRoutines int `json:"numGoRoutines"`
}

func GetMemoryStats() MemoryStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return MemoryStats{
		Alloc:         mem.Alloc,
		TotalAlloc:    mem.TotalAlloc,
		Sys:           mem.Sys,
		Mallocs:       mem.Mallocs,
		Frees:         mem.Frees,
		LiveObjects:   mem.Mallocs - mem.Frees,
		NumGoRoutines: runtime.NumGoroutine(),
	}
}
