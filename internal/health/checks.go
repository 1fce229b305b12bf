package health

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

func passed(msg string, details map[string]any) CheckResult {
	return CheckResult{Status: StatusHealthy, Message: msg, Details: details}
}

func failed(status Status, msg string, err error) CheckResult {
	r := CheckResult{Status: status, Message: msg}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// StoreCheck reports whether the binding database answers and, when
// validate is set, carries the expected schema.
func StoreCheck(ping, validate func() error) Check {
	return func(context.Context) CheckResult {
		if err := ping(); err != nil {
			return failed(StatusUnhealthy, "binding store unreachable", err)
		}
		if validate != nil {
			if err := validate(); err != nil {
				return failed(StatusUnhealthy, "binding store schema invalid", err)
			}
		}
		return passed("binding store ok", nil)
	}
}

// InputCheck reports the opened input devices. No devices is degraded
// since injected events still work.
func InputCheck(devices func() []string) Check {
	return func(context.Context) CheckResult {
		devs := devices()
		if len(devs) == 0 {
			return failed(StatusDegraded, "no input devices open", nil)
		}
		return passed(fmt.Sprintf("%d input devices open", len(devs)), map[string]any{"devices": devs})
	}
}

// SensorCheck is degraded without a proximity sensor, because gestures
// then dispatch ungated.
func SensorCheck(hasSensor, inFlight func() bool) Check {
	return func(context.Context) CheckResult {
		if !hasSensor() {
			return failed(StatusDegraded, "no proximity sensor; gestures are not gated", nil)
		}
		return passed("proximity sensor ok", map[string]any{"in_flight": inFlight()})
	}
}

// DiskSpaceCheck is unhealthy when the filesystem holding path has fewer
// than minFree bytes available to unprivileged users.
func DiskSpaceCheck(path string, minFree uint64) Check {
	return func(context.Context) CheckResult {
		var st unix.Statfs_t
		if err := unix.Statfs(path, &st); err != nil {
			return failed(StatusUnknown, "statfs failed", err)
		}
		free := st.Bavail * uint64(st.Bsize)
		details := map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFree}
		if free < minFree {
			r := failed(StatusUnhealthy, "low disk space", nil)
			r.Details = details
			return r
		}
		return passed("disk space ok", details)
	}
}

// MemoryCheck is degraded when the Go heap exceeds maxHeap bytes.
func MemoryCheck(maxHeap uint64) Check {
	return func(context.Context) CheckResult {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		details := map[string]any{
			"heap_alloc_bytes": ms.HeapAlloc,
			"max_heap_bytes":   maxHeap,
			"goroutines":       runtime.NumGoroutine(),
		}
		if ms.HeapAlloc > maxHeap {
			r := failed(StatusDegraded, "heap above limit", nil)
			r.Details = details
			return r
		}
		return passed("memory ok", details)
	}
}

// CustomCheck adapts a plain error-returning probe.
func CustomCheck(fn func() error) Check {
	return func(context.Context) CheckResult {
		if err := fn(); err != nil {
			return failed(StatusUnhealthy, "check failed", err)
		}
		return passed("check passed", nil)
	}
}
