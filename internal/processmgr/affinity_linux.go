//go:build linux

package processmgr

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// setAffinityAllCores sets pid's CPU affinity mask to every core visible to
// this process (§4.3 step 8), the Go analogue of the original's
// os.sched_setaffinity(pid, range(os.cpu_count())).
//
// Known limitation, preserved on purpose (§4.3.1, §9): grandchildren forked
// by pid before this call returns will not inherit the mask. Closing that
// race would require the child to block on a signal before exec'ing
// further descendants, which the spec documents as out of scope.
func setAffinityAllCores(pid int) error {
	var set unix.CPUSet
	n := runtime.NumCPU()
	for i := 0; i < n; i++ {
		set.Set(i)
	}
	return unix.SchedSetaffinity(pid, &set)
}
