package wal

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// segmentSeq generates the monotone sequence number embedded in rotated
// segment file names (segment-000001.wal, segment-000002.wal, ...).
//
// Adapted from the matching engine's original trade-ID generator idiom:
// an atomic counter plus a pooled strings.Builder so naming a rotated
// segment never allocates on the common path.
type segmentSeq struct {
	prefix      string
	counter     uint64
	builderPool sync.Pool
}

func newSegmentSeq(prefix string) *segmentSeq {
	return &segmentSeq{
		prefix: prefix,
		builderPool: sync.Pool{
			New: func() any {
				b := &strings.Builder{}
				b.Grow(24)
				return b
			},
		},
	}
}

// next returns the next zero-padded segment name, e.g. "segment-000007".
func (g *segmentSeq) next() string {
	count := atomic.AddUint64(&g.counter, 1)

	b := g.builderPool.Get().(*strings.Builder)
	defer func() {
		b.Reset()
		g.builderPool.Put(b)
	}()

	b.WriteString(g.prefix)
	padded := strconv.FormatUint(count, 10)
	for i := len(padded); i < 6; i++ {
		b.WriteByte('0')
	}
	b.WriteString(padded)

	return b.String()
}
