package fleet

// ring is a fixed-capacity FIFO of snapshots.
type ring struct {
	buf   []ConnectionMetrics
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]ConnectionMetrics, capacity)}
}

func (r *ring) push(v ConnectionMetrics) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) items() []ConnectionMetrics {
	out := make([]ConnectionMetrics, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
