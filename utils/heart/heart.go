// Package heart implements a general purpose pacemaker: a goroutine that
// calls a function at a fixed interval until told to stop or until the
// function errors out.
//
// It backs every periodically-ticking loop in this module: the peer table's
// ttl decrement thread and the client's ping timer thread both wrap a
// Pacemaker instead of hand-rolling a time.Ticker select loop.
package heart

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Debug is the logger Pacemaker uses for trace-level messages. It defaults to
// a no-op.
var Debug = func(v ...interface{}) {}

// ErrDead is returned by a Pacemaker's death channel when twice the
// heartrate has passed without an Echo.
var ErrDead = errors.New("pacemaker: no echo received within two heartrates")

// AtomicTime is a thread-safe UnixNano timestamp.
type AtomicTime struct {
	unixnano int64
}

func (t *AtomicTime) Get() int64 {
	return atomic.LoadInt64(&t.unixnano)
}

func (t *AtomicTime) Set(tm time.Time) {
	atomic.StoreInt64(&t.unixnano, tm.UnixNano())
}

func (t *AtomicTime) Time() time.Time {
	return time.Unix(0, t.Get())
}

// Pacemaker calls Pace every Heartrate until Stop is called or Pace returns
// an error. It optionally tracks liveness via Echo/Dead, used by loops that
// need to detect a stalled peer rather than just ticking forever: a loop
// opts in by calling Echo whenever the remote acknowledges a beat, and is
// declared dead once two heartrates pass without one. A loop that never
// calls Echo is never declared dead.
type Pacemaker struct {
	Heartrate time.Duration

	SentBeat AtomicTime
	EchoBeat AtomicTime

	// Pace is called once per heartrate. A non-nil return stops the loop.
	Pace func() error

	stop  chan struct{}
	once  sync.Once
	death chan error
}

func NewPacemaker(heartrate time.Duration, pacer func() error) *Pacemaker {
	return &Pacemaker{
		Heartrate: heartrate,
		Pace:      pacer,
	}
}

// Echo marks the current time as the last time liveness was confirmed.
func (p *Pacemaker) Echo() {
	p.EchoBeat.Set(time.Now())
}

// Dead reports whether twice the heartrate has passed since the last Echo.
// It returns false until both SentBeat and EchoBeat have been set at least
// once, since liveness tracking is opt-in.
func (p *Pacemaker) Dead() bool {
	var (
		echo = p.EchoBeat.Get()
		sent = p.SentBeat.Get()
	)

	if echo == 0 || sent == 0 {
		return false
	}

	return sent-echo > int64(p.Heartrate)*2
}

// Stop signals the running loop to exit after its current Pace call. It is a
// no-op if the loop isn't running, and safe to call more than once or from
// more than one goroutine: closing the stop channel (rather than sending on
// it) means every call after the first is a harmless no-op instead of a
// second goroutine blocking forever on a channel nobody still reads from.
func (p *Pacemaker) Stop() {
	if p.stop == nil {
		Debug("pacemaker: already stopped")
		return
	}
	p.once.Do(func() {
		Debug("pacemaker: stop signal sent")
		close(p.stop)
	})
}

func (p *Pacemaker) start() error {
	tick := time.NewTicker(p.Heartrate)
	defer tick.Stop()

	for {
		if err := p.Pace(); err != nil {
			return err
		}

		p.SentBeat.Set(time.Now())

		if p.Dead() {
			return ErrDead
		}

		select {
		case <-p.stop:
			Debug("pacemaker: received stop signal")
			return nil
		case <-tick.C:
		}
	}
}

// StartAsync starts the pacemaker loop in a new goroutine and returns a
// channel that receives the loop's terminal error (nil on a clean Stop). The
// WaitGroup is optional and is marked done once the loop exits.
//
// p.stop is set once here and never reset to nil afterward: a closed
// channel stays readable forever, so Stop and a finished loop can never
// disagree about whether stopping already happened.
func (p *Pacemaker) StartAsync(wg *sync.WaitGroup) (death chan error) {
	p.death = make(chan error)
	p.stop = make(chan struct{})
	p.once = sync.Once{}

	if wg != nil {
		wg.Add(1)
	}

	go func() {
		p.death <- p.start()
		Debug("pacemaker: loop returned")

		if wg != nil {
			wg.Done()
		}
	}()

	return p.death
}
