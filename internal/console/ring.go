package console

import "sync"

// DefaultCapacity is the number of console lines kept for a server.
const DefaultCapacity = 100

// Ring is a thread-safe ring buffer that stores the last N console lines.
type Ring struct {
	mu    sync.Mutex
	lines []string
	size  int
	pos   int
	full  bool
	total uint64 // lines ever appended
}

// NewRing creates a ring buffer that stores the last n lines.
// A non-positive n uses DefaultCapacity.
func NewRing(n int) *Ring {
	if n <= 0 {
		n = DefaultCapacity
	}
	return &Ring{
		lines: make([]string, n),
		size:  n,
	}
}

// Append stores one line, evicting the oldest when the ring is full.
func (r *Ring) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLine(line)
}

func (r *Ring) addLine(line string) {
	r.lines[r.pos] = line
	r.total++
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

// Lines returns all stored lines in order, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linesLocked()
}

func (r *Ring) linesLocked() []string {
	if !r.full {
		result := make([]string, r.pos)
		copy(result, r.lines[:r.pos])
		return result
	}

	result := make([]string, r.size)
	copy(result, r.lines[r.pos:])
	copy(result[r.size-r.pos:], r.lines[:r.pos])
	return result
}

// Last returns the last n lines and the sequence number that follows them.
// If fewer lines exist, or n is not positive, it returns all of them.
func (r *Ring) Last(n int) ([]string, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.linesLocked()
	if n <= 0 || n >= len(all) {
		return all, r.total
	}
	return all[len(all)-n:], r.total
}

// Since returns the lines appended after the first seq lines, oldest first,
// and the sequence number to pass on the next call. Lines already evicted
// from the ring are skipped.
func (r *Ring) Since(seq uint64) ([]string, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq >= r.total {
		return nil, r.total
	}
	all := r.linesLocked()
	n := r.total - seq
	if n > uint64(len(all)) {
		n = uint64(len(all))
	}
	return all[len(all)-int(n):], r.total
}
