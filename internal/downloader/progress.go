package downloader

import (
	"sync"
	"time"
)

// Progress tracks a download run. It is safe for concurrent use; readers
// such as progress bars call Snapshot.
type Progress struct {
	mu       sync.Mutex
	snapshot Snapshot
}

// Snapshot is a consistent copy of the progress counters.
type Snapshot struct {
	Total     int
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
	Bytes     int64
	StartedAt time.Time
	Elapsed   time.Duration
}

// Done returns the number of records that reached a terminal outcome.
func (s Snapshot) Done() int {
	return s.Succeeded + s.Failed
}

// Rate returns completed records per second.
func (s Snapshot) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Done()) / s.Elapsed.Seconds()
}

// Throughput returns bytes written per second.
func (s Snapshot) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Elapsed.Seconds()
}

func (p *Progress) start(total int) {
	p.mu.Lock()
	p.snapshot = Snapshot{Total: total, StartedAt: time.Now()}
	p.mu.Unlock()
}

func (p *Progress) update(fn func(s *Snapshot)) {
	p.mu.Lock()
	fn(&p.snapshot)
	p.mu.Unlock()
}

// Snapshot returns the current counters.
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.snapshot
	if !s.StartedAt.IsZero() {
		s.Elapsed = time.Since(s.StartedAt)
	}
	return s
}
