package exporter

import (
	"math/rand"
	"sync"
	"time"
)

// Heartbeat fires a callback on a fixed interval, with the first pulse
// offset by a random jitter so a fleet of devices does not hit the backend
// in lockstep after a popular app update relaunches them together.
type Heartbeat struct {
	interval  time.Duration
	maxJitter time.Duration
	pulse     func()

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func NewHeartbeat(interval, maxJitter time.Duration, pulse func()) *Heartbeat {
	return &Heartbeat{
		interval:  interval,
		maxJitter: maxJitter,
		pulse:     pulse,
	}
}

// Start begins pulsing. Safe to call when already running.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.run(h.stop, h.done)
}

// Stop halts pulsing and waits for the pulse goroutine to exit. A pulse
// already executing completes.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	stop, done := h.stop, h.done
	h.mu.Unlock()

	close(stop)
	<-done
}

// Running reports whether the heartbeat is active.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Heartbeat) run(stop, done chan struct{}) {
	defer close(done)

	var jitter time.Duration
	if h.maxJitter > 0 {
		jitter = time.Duration(rand.Int63n(int64(h.maxJitter)))
	}
	select {
	case <-time.After(jitter):
	case <-stop:
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		h.pulse()
		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}
