package relay

// transcriptRing is a fixed-capacity ring over transcript lines. When full,
// appending overwrites the oldest entry. Not safe for concurrent use; the
// session loop owns it.
type transcriptRing struct {
	buf  []string
	head int
	size int
}

func newTranscriptRing(capacity int) *transcriptRing {
	if capacity <= 0 {
		capacity = 32
	}
	return &transcriptRing{buf: make([]string, capacity)}
}

func (r *transcriptRing) Append(line string) {
	if line == "" {
		return
	}
	tail := (r.head + r.size) % len(r.buf)
	r.buf[tail] = line
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

// Recent returns up to n lines, oldest first.
func (r *transcriptRing) Recent(n int) []string {
	if n <= 0 || r.size == 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}
	out := make([]string, 0, n)
	start := r.size - n
	for i := start; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

func (r *transcriptRing) Len() int { return r.size }
