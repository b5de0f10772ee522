package events

import (
	"net"
	"sync"
	"time"
)

// PeerTracker remembers which peer hosts have connected within a time
// window, distinguishing first contact from repeat offenders for the
// policy state. Entries expire after the window elapses.
type PeerTracker struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	window  time.Duration
	stop    chan struct{}
	stopped bool
}

// NewPeerTracker creates a tracker with the given memory window and
// starts its background expiry loop.
func NewPeerTracker(window time.Duration) *PeerTracker {
	pt := &PeerTracker{
		seen:   make(map[string]time.Time),
		window: window,
		stop:   make(chan struct{}),
	}
	go pt.cleanupLoop()
	return pt
}

// Observe records a contact from the peer and reports whether it was
// already known within the window. Peer addresses may carry a port;
// tracking is per host.
func (pt *PeerTracker) Observe(peerAddr string) (repeat bool) {
	host := peerHost(peerAddr)
	now := time.Now()

	pt.mu.Lock()
	defer pt.mu.Unlock()

	last, known := pt.seen[host]
	pt.seen[host] = now
	return known && now.Sub(last) < pt.window
}

// Known reports whether the peer is currently within the window,
// without refreshing it.
func (pt *PeerTracker) Known(peerAddr string) bool {
	host := peerHost(peerAddr)

	pt.mu.Lock()
	defer pt.mu.Unlock()

	last, known := pt.seen[host]
	return known && time.Since(last) < pt.window
}

// Len reports the number of tracked peers.
func (pt *PeerTracker) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.seen)
}

// Stop terminates the expiry loop.
func (pt *PeerTracker) Stop() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.stopped {
		return
	}
	pt.stopped = true
	close(pt.stop)
}

func (pt *PeerTracker) cleanupLoop() {
	interval := pt.window / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pt.expire()
		case <-pt.stop:
			return
		}
	}
}

func (pt *PeerTracker) expire() {
	now := time.Now()
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for host, last := range pt.seen {
		if now.Sub(last) >= pt.window {
			delete(pt.seen, host)
		}
	}
}

func peerHost(peerAddr string) string {
	if host, _, err := net.SplitHostPort(peerAddr); err == nil {
		return host
	}
	return peerAddr
}
