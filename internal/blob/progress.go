package blob

import (
	"io"
	"sync"
)

// progressReader reports the share of size consumed so far.
type progressReader struct {
	r    io.Reader
	size int64
	read int64
	last int
	fn   func(int)
	mu   sync.Mutex
}

func newProgressReader(r io.Reader, size int64, fn func(int)) *progressReader {
	p := &progressReader{r: r, size: size, fn: fn, last: -1}
	p.report(0)
	return p
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.mu.Lock()
		p.read += int64(n)
		pct := 99
		if p.size > 0 {
			pct = int(p.read * 100 / p.size)
		}
		// 100 is reserved for a committed upload.
		if pct > 99 {
			pct = 99
		}
		p.reportLocked(pct)
		p.mu.Unlock()
	}
	return n, err
}

func (p *progressReader) done() {
	p.report(100)
}

func (p *progressReader) report(pct int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reportLocked(pct)
}

func (p *progressReader) reportLocked(pct int) {
	if pct <= p.last {
		return
	}
	p.last = pct
	p.fn(pct)
}
