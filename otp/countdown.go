package otp

import "time"

// Ticker delivers countdown ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	t *time.Ticker
}

func newRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// startCountdownLocked replaces any running countdown with a new one.
func (e *Engine) startCountdownLocked() {
	e.stopCountdownLocked()
	stop := make(chan struct{})
	e.stop = stop
	t := e.newTicker(tickInterval)
	e.wg.Add(1)
	go e.countdown(t, stop)
}

func (e *Engine) stopCountdownLocked() {
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
}

func (e *Engine) countdown(t Ticker, stop chan struct{}) {
	defer e.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			if !e.tick(stop) {
				return
			}
		}
	}
}

// tick decrements the countdown owned by stop. It reports whether the
// countdown should keep running.
func (e *Engine) tick(stop chan struct{}) bool {
	e.mu.Lock()
	if e.stop != stop {
		e.mu.Unlock()
		return false
	}
	if e.snap.SecondsRemaining > 0 {
		e.snap.SecondsRemaining--
	}
	running := true
	if e.snap.SecondsRemaining == 0 {
		e.snap.CanResend = true
		close(e.stop)
		e.stop = nil
		running = false
	}
	snap := e.snap
	e.mu.Unlock()

	e.emit(snap)
	return running
}
