// Package effects captures the two truly global inputs of the system,
// physical time and randomness, so that they can be injected. Production
// code uses the system clock and a CSPRNG; simulations use a manual clock
// and a seeded stream and are fully reproducible.
package effects

import (
	"crypto/cipher"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/aura-labs/aura"
	"go.dedis.ch/kyber/v3/util/random"
)

// Clock returns physical time in milliseconds since the UNIX epoch. It is
// only consulted at user-visible boundaries: fact timestamps, dispute
// windows and cooldowns.
type Clock interface {
	NowMs() uint64
}

// Random is the randomness source.
type Random interface {
	io.Reader
	// Stream returns a cipher.Stream for kyber's Pick functions.
	Stream() cipher.Stream
	Uint64() uint64
	// Range returns a value in [0, n).
	Range(n uint64) uint64
}

// Effects bundles the injectable inputs. It is threaded through every
// constructor.
type Effects struct {
	Clock  Clock
	Random Random
}

// System returns the production effects.
func System() Effects {
	return Effects{Clock: systemClock{}, Random: &streamRandom{stream: random.New()}}
}

// Simulated returns deterministic effects backed by a manual clock and a
// seeded random stream.
func Simulated(seed []byte, startMs uint64) (Effects, *SimClock) {
	c := NewSimClock(startMs)
	return Effects{Clock: c, Random: NewSeeded(seed)}, c
}

type systemClock struct{}

func (systemClock) NowMs() uint64 {
	return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}

// SimClock is a manually advanced clock.
type SimClock struct {
	sync.Mutex
	now uint64
}

// NewSimClock returns a clock stopped at startMs.
func NewSimClock(startMs uint64) *SimClock {
	return &SimClock{now: startMs}
}

// NowMs implements Clock.
func (c *SimClock) NowMs() uint64 {
	c.Lock()
	defer c.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *SimClock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.now += uint64(d / time.Millisecond)
}

// Set moves the clock to an absolute time. Time never goes backwards.
func (c *SimClock) Set(ms uint64) {
	c.Lock()
	defer c.Unlock()
	if ms > c.now {
		c.now = ms
	}
}

// streamRandom serializes access to a cipher.Stream.
type streamRandom struct {
	sync.Mutex
	stream cipher.Stream
}

// NewSeeded returns a deterministic random source. Two sources with the
// same seed produce the same bytes.
func NewSeeded(seed []byte) Random {
	return &streamRandom{stream: aura.Suite.XOF(append([]byte("aura.effects.seed"), seed...))}
}

func (r *streamRandom) Read(p []byte) (int, error) {
	r.Lock()
	defer r.Unlock()
	for i := range p {
		p[i] = 0
	}
	r.stream.XORKeyStream(p, p)
	return len(p), nil
}

// Stream returns a stream sharing the source's lock.
func (r *streamRandom) Stream() cipher.Stream {
	return lockedStream{r}
}

func (r *streamRandom) Uint64() uint64 {
	var buf [8]byte
	r.Read(buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

func (r *streamRandom) Range(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	// Rejection sampling avoids modulo bias.
	limit := ^uint64(0) - (^uint64(0) % n)
	for {
		v := r.Uint64()
		if v < limit {
			return v % n
		}
	}
}

type lockedStream struct {
	r *streamRandom
}

func (l lockedStream) XORKeyStream(dst, src []byte) {
	l.r.Lock()
	defer l.r.Unlock()
	l.r.stream.XORKeyStream(dst, src)
}
