package wait

import "runtime"

// Tuning captures the OS-level adjustments applied around the Wait
// Scheduler's run (the Engine calls Apply before Scheduler.Run and Release
// right after it; the burst loop runs without it) (§4.5: "raise timer resolution... elevate
// process/thread priority... prefer CPU 0 affinity where available") and
// reverses on exit. Most of these knobs require platform-specific syscalls
// (winmm timeBeginPeriod on Windows, sched_setaffinity on Linux) that the
// example pack carries no dependency for; this is a deliberately narrow,
// portable best-effort shim documented in DESIGN.md rather than a
// fabricated cross-platform binding.
type Tuning struct {
	lockedThread bool
}

// Apply locks the calling goroutine to its OS thread for the run, which is
// the portable part of "prefer CPU 0 affinity where available": it at least
// prevents the Go scheduler from migrating the busy-wait across threads
// mid-spin.
func (t *Tuning) Apply() {
	runtime.LockOSThread()
	t.lockedThread = true
}

// Release reverses Apply.
func (t *Tuning) Release() {
	if t.lockedThread {
		runtime.UnlockOSThread()
		t.lockedThread = false
	}
}
