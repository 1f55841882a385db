package logstore

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
// It is not safe for concurrent use.
type ring struct {
	items []Entry
	start int
	n     int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{items: make([]Entry, capacity)}
}

func (r *ring) push(e Entry) {
	c := len(r.items)
	if r.n < c {
		r.items[(r.start+r.n)%c] = e
		r.n++
		return
	}
	r.items[r.start] = e
	r.start = (r.start + 1) % c
}

// last returns up to k newest entries, oldest first.
func (r *ring) last(k int) []Entry {
	if k <= 0 || k > r.n {
		k = r.n
	}
	out := make([]Entry, k)
	c := len(r.items)
	skip := r.n - k
	for i := 0; i < k; i++ {
		out[i] = r.items[(r.start+skip+i)%c]
	}
	return out
}

func (r *ring) len() int { return r.n }

func (r *ring) clear() {
	clear(r.items)
	r.start = 0
	r.n = 0
}
