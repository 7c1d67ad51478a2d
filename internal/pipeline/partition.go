package pipeline

// Split divides keys into at most p contiguous chunks whose sizes differ by
// at most one. Every key lands in exactly one chunk and order is preserved.
func Split(keys []string, p int) [][]string {
	n := len(keys)
	if n == 0 {
		return nil
	}
	if p < 1 {
		p = 1
	}
	if p > n {
		p = n
	}

	chunks := make([][]string, 0, p)
	size, extra := n/p, n%p
	start := 0
	for i := 0; i < p; i++ {
		end := start + size
		if i < extra {
			end++
		}
		chunks = append(chunks, keys[start:end:end])
		start = end
	}
	return chunks
}
