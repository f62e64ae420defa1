package worker

import "runtime"

// heapExceeds reports whether the process heap is over the configured
// ceiling. A ceiling of 0 disables the check. HeapAlloc is the live
// in-use estimate, which tracks the run's working set far better than
// Sys (which counts memory held from the OS but already freed by Go).
func heapExceeds(ceiling uint64) bool {
	if ceiling == 0 {
		return false
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc > ceiling
}
