// File: internal/stack/adaptive_concurrency.go
// Brief: Dynamic concurrency target driven by observed failure classes.

package stack

import (
	"fmt"
	"strings"
	"sync"
)

// adaptiveConcurrency moves the run's effective concurrency between min
// and the configured worker count. Throttle-shaped failures halve the
// target, repeated timeouts and transport errors shave one, and clean
// successes ramp it back up one step at a time. A window of recent
// outcomes tells a blip from a trend.
//
// Stacks are slow to deploy, so the target starts at max and only
// shrinks once the cloud pushes back. Callers provide their own locking.
type adaptiveConcurrency struct {
	target int
	min    int
	max    int

	// rampAfter successes in a row earn one step back up, provided the
	// window is clean enough.
	rampAfter int
	maxDirty  float64

	cooldown int
	streak   int

	window []string
	head   int
	filled bool
}

const adaptiveWindowSize = 20

func newAdaptiveConcurrency(maxWorkers int) *adaptiveConcurrency {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &adaptiveConcurrency{
		target:    maxWorkers,
		min:       1,
		max:       maxWorkers,
		rampAfter: 2,
		maxDirty:  0.30,
		window:    make([]string, adaptiveWindowSize),
	}
}

func (a *adaptiveConcurrency) onSuccess() (changed bool, reason string) {
	a.push("SUCCESS")
	if a.cooldown > 0 {
		a.cooldown--
		a.streak = 0
		return false, "cooldown"
	}
	a.streak++
	if a.streak < a.rampAfter {
		return false, "success"
	}
	a.streak = 0

	if a.target >= a.max {
		return false, "at-max"
	}
	if a.dirtyRate() > a.maxDirty {
		return false, "dirty-window"
	}
	if a.count("RATE_LIMIT") > 0 || a.count("SERVER_5XX") > 0 {
		return false, "dirty-window"
	}
	a.target++
	return true, "ramp-up"
}

func (a *adaptiveConcurrency) onFailure(class string) (changed bool, reason string) {
	class = strings.TrimSpace(class)
	if class == "" {
		class = "OTHER"
	}
	a.push(class)
	a.streak = 0

	old := a.target
	switch class {
	case "RATE_LIMIT", "SERVER_5XX", "UNAVAILABLE":
		a.target = max(a.min, a.target/2)
		a.cooldown = adaptiveCooldown(class)
		reason = "shrink:" + class
	case "TIMEOUT", "TRANSPORT":
		// One slow stack is not a trend; shrink on repeats.
		if a.count(class) >= 2 || a.dirtyRate() >= a.maxDirty {
			a.target = max(a.min, a.target-1)
			reason = "shrink:" + class
		} else {
			reason = "no-change:" + class
		}
		a.cooldown = adaptiveCooldown(class)
	case "CONFLICT":
		// Contention clears on its own; shrink only when it repeats.
		if a.count(class) >= 2 {
			a.target = max(a.min, a.target-1)
			reason = "shrink:" + class
		} else {
			reason = "no-change:" + class
		}
		a.cooldown = adaptiveCooldown(class)
	default:
		a.cooldown = max(a.cooldown, adaptiveCooldown(class))
		reason = "no-change:" + class
	}
	return a.target != old, reason
}

// adaptiveCooldown is how many successes must pass after a failure of the
// given class before ramp-up resumes.
func adaptiveCooldown(class string) int {
	switch class {
	case "RATE_LIMIT", "SERVER_5XX", "UNAVAILABLE":
		return 4
	case "TIMEOUT", "TRANSPORT":
		return 3
	default:
		return 1
	}
}

func (a *adaptiveConcurrency) push(outcome string) {
	if len(a.window) == 0 {
		return
	}
	a.window[a.head] = outcome
	a.head++
	if a.head >= len(a.window) {
		a.head = 0
		a.filled = true
	}
}

func (a *adaptiveConcurrency) count(class string) int {
	n := a.head
	if a.filled {
		n = len(a.window)
	}
	total := 0
	for i := 0; i < n; i++ {
		if a.window[i] == class {
			total++
		}
	}
	return total
}

func (a *adaptiveConcurrency) dirtyRate() float64 {
	n := a.head
	if a.filled {
		n = len(a.window)
	}
	if n == 0 {
		return 0
	}
	fail := 0
	for i := 0; i < n; i++ {
		if a.window[i] != "" && a.window[i] != "SUCCESS" {
			fail++
		}
	}
	return float64(fail) / float64(n)
}

func (a *adaptiveConcurrency) snapshot() string {
	return fmt.Sprintf("target=%d min=%d max=%d cooldown=%d dirty=%.2f window(rate_limit=%d timeout=%d transport=%d conflict=%d)",
		a.target, a.min, a.max, a.cooldown, a.dirtyRate(),
		a.count("RATE_LIMIT"), a.count("TIMEOUT"), a.count("TRANSPORT"), a.count("CONFLICT"))
}

// concurrencyGate bounds in-flight stack actions by the adaptive target.
// Workers enter before claiming a node and leave once the node reaches a
// terminal state. A nil gate admits everyone, which is how runs behave
// when the feature is off.
type concurrencyGate struct {
	mu       sync.Mutex
	ctl      *adaptiveConcurrency
	inFlight int
}

func newConcurrencyGate(maxWorkers int) *concurrencyGate {
	return &concurrencyGate{ctl: newAdaptiveConcurrency(maxWorkers)}
}

func (g *concurrencyGate) tryEnter() bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight >= g.ctl.target {
		return false
	}
	g.inFlight++
	return true
}

func (g *concurrencyGate) leave() {
	if g == nil {
		return
	}
	g.mu.Lock()
	if g.inFlight > 0 {
		g.inFlight--
	}
	g.mu.Unlock()
}

// noteSuccess feeds one terminal success into the controller. The returned
// message is non-empty only when the target moved.
func (g *concurrencyGate) noteSuccess() (string, bool) {
	if g == nil {
		return "", false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	changed, reason := g.ctl.onSuccess()
	if !changed {
		return "", false
	}
	return fmt.Sprintf("concurrency %s: %s", reason, g.ctl.snapshot()), true
}

// noteFailure feeds one failed attempt into the controller.
func (g *concurrencyGate) noteFailure(class string) (string, bool) {
	if g == nil {
		return "", false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	changed, reason := g.ctl.onFailure(class)
	if !changed {
		return "", false
	}
	return fmt.Sprintf("concurrency %s: %s", reason, g.ctl.snapshot()), true
}

func (g *concurrencyGate) snapshotLine() string {
	if g == nil {
		return ""
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctl.snapshot()
}
