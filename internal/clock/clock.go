// Package clock provides the monotonic-millisecond abstraction every
// deadline in the cluster is measured against, plus a seeded source of
// randomized election timeouts. A virtual implementation is provided so
// tests can drive deadlines deterministically instead of sleeping real
// time.
package clock

import (
	"math/rand"
	"time"
)

// Clock returns elapsed milliseconds since a reference instant that never
// moves backward. Real implementations wrap time.Now(); Virtual lets tests
// advance time explicitly.
type Clock interface {
	NowMillis() int64
}

type monotonic struct{ start time.Time }

// New returns a Clock backed by the real monotonic wall clock.
func New() Clock {
	return &monotonic{start: time.Now()}
}

func (m *monotonic) NowMillis() int64 {
	return time.Since(m.start).Milliseconds()
}

// Virtual is a fake Clock for tests: NowMillis only changes when Advance
// is called, so election/heartbeat timing assertions do not race real
// wall-clock scheduling.
type Virtual struct {
	millis int64
}

func NewVirtual() *Virtual { return &Virtual{} }

func (v *Virtual) NowMillis() int64 { return v.millis }

func (v *Virtual) Advance(d time.Duration) {
	v.millis += d.Milliseconds()
}

// Deadline tracks "reset, then ask whether the interval elapsed" — the
// pattern every election/heartbeat/leader-search timer in the core uses.
type Deadline struct {
	clock      Clock
	resetAt    int64
	timeoutMs  int64
}

func NewDeadline(c Clock, timeoutMs int64) *Deadline {
	d := &Deadline{clock: c, timeoutMs: timeoutMs}
	d.Reset()
	return d
}

func (d *Deadline) Reset() {
	d.resetAt = d.clock.NowMillis()
}

func (d *Deadline) SetTimeout(timeoutMs int64) {
	d.timeoutMs = timeoutMs
}

func (d *Deadline) Elapsed() bool {
	return d.clock.NowMillis()-d.resetAt >= d.timeoutMs
}

func (d *Deadline) ElapsedSince() int64 {
	return d.clock.NowMillis() - d.resetAt
}

// ElectionTimeoutMillis draws a value uniformly from [150, 300], using the
// supplied *rand.Rand so every replica can carry its own seeded source:
// the seed differs per node but stays reproducible across runs.
func ElectionTimeoutMillis(r *rand.Rand) int64 {
	const min, max = 150, 300
	return int64(min + r.Intn(max-min+1))
}

// HeartbeatIntervalMillis is the fixed leader heartbeat period.
const HeartbeatIntervalMillis = 50

// NewSeededRand returns a per-node PRNG seeded deterministically from the
// node id combined with a run seed, so runs are reproducible in tests yet
// differ across nodes within one run.
func NewSeededRand(runSeed int64, nodeID uint32) *rand.Rand {
	return rand.New(rand.NewSource(runSeed + int64(nodeID)*1_000_003))
}
