package frame

import "time"

// Window keeps the most recent frametimes, oldest evicted first.
type Window struct {
	buf  []time.Duration
	next int
	full bool
}

// NewWindow creates a window holding up to size frametimes.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{buf: make([]time.Duration, size)}
}

// Push records a frametime.
func (w *Window) Push(d time.Duration) {
	w.buf[w.next] = d
	w.next = (w.next + 1) % len(w.buf)
	if w.next == 0 {
		w.full = true
	}
}

// Len returns the number of frametimes held.
func (w *Window) Len() int {
	if w.full {
		return len(w.buf)
	}
	return w.next
}

// Cap returns the window size.
func (w *Window) Cap() int {
	return len(w.buf)
}

// Full reports whether the window holds Cap frametimes.
func (w *Window) Full() bool {
	return w.full
}

// AverageFPS returns frames per second over the held frametimes, or 0 if empty.
func (w *Window) AverageFPS() float64 {
	n := w.Len()
	if n == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += w.buf[i]
	}
	if total <= 0 {
		return 0
	}
	return float64(n) * float64(time.Second) / float64(total)
}

// Max returns the longest held frametime.
func (w *Window) Max() time.Duration {
	var longest time.Duration
	for i := 0; i < w.Len(); i++ {
		if w.buf[i] > longest {
			longest = w.buf[i]
		}
	}
	return longest
}

// Reset empties the window.
func (w *Window) Reset() {
	w.next = 0
	w.full = false
}

// JankClass buckets a frametime against the frame budget.
type JankClass string

const (
	Smooth  JankClass = "smooth"
	Jank    JankClass = "jank"
	BigJank JankClass = "big_jank"
)

// Budget returns the frame interval for a target refresh rate.
func Budget(targetFPS int) time.Duration {
	if targetFPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(targetFPS)
}

// Classify compares a frametime against the budget of targetFPS: up to 1.5x is
// smooth, up to 3x is jank, anything longer is big jank.
func Classify(ft time.Duration, targetFPS int) JankClass {
	budget := Budget(targetFPS)
	switch {
	case budget == 0 || ft*2 <= budget*3:
		return Smooth
	case ft <= budget*3:
		return Jank
	default:
		return BigJank
	}
}
