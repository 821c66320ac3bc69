package transport

import (
	"context"
	"io"
	"math/rand"
	"time"

	"github.com/ent0n29/chatstream/internal/stream"
)

// Replay serves a captured stream from memory, cut into reads of ChunkSize
// bytes (or random sizes up to ChunkSize when Jitter is set) with Delay
// between reads.
type Replay struct {
	Data      []byte
	ChunkSize int
	Jitter    bool
	Seed      int64
	Delay     time.Duration
}

func (r *Replay) Open(ctx context.Context, _ stream.Request) (io.ReadCloser, error) {
	size := r.ChunkSize
	if size <= 0 {
		size = len(r.Data)
	}
	return &replayBody{
		ctx:   ctx,
		data:  r.Data,
		size:  size,
		rng:   rand.New(rand.NewSource(r.Seed)),
		jit:   r.Jitter,
		delay: r.Delay,
	}, nil
}

type replayBody struct {
	ctx   context.Context
	data  []byte
	size  int
	rng   *rand.Rand
	jit   bool
	delay time.Duration
	reads int
}

func (b *replayBody) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, io.EOF
	}
	if b.delay > 0 && b.reads > 0 {
		t := time.NewTimer(b.delay)
		select {
		case <-b.ctx.Done():
			t.Stop()
			return 0, b.ctx.Err()
		case <-t.C:
		}
	}
	b.reads++

	n := b.size
	if b.jit && n > 1 {
		n = 1 + b.rng.Intn(n)
	}
	n = min(n, len(b.data), len(p))
	copy(p, b.data[:n])
	b.data = b.data[n:]
	return n, nil
}

func (b *replayBody) Close() error { return nil }

var _ stream.Transport = (*Replay)(nil)
