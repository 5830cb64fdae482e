package helper

import "time"

// Ticker ticks on the channel returned by C to signal something.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset()
}

// NewTimerTicker returns a Ticker that ticks once the interval has passed
// since the last Reset. Nothing is emitted until Reset is called.
func NewTimerTicker(interval time.Duration) Ticker {
	timer := time.NewTimer(interval)
	if !timer.Stop() {
		<-timer.C
	}
	return &timerTicker{timer: timer, interval: interval}
}

type timerTicker struct {
	timer    *time.Timer
	interval time.Duration
}

func (tt *timerTicker) C() <-chan time.Time { return tt.timer.C }

// Reset drains a pending tick, if any, and re-arms the timer.
func (tt *timerTicker) Reset() {
	if !tt.timer.Stop() {
		select {
		case <-tt.timer.C:
		default:
		}
	}
	tt.timer.Reset(tt.interval)
}

func (tt *timerTicker) Stop() { tt.timer.Stop() }

// ManualTicker is a Ticker driven by explicit Tick calls. Stop and Reset
// invoke the configurable callbacks so tests can observe them.
type ManualTicker struct {
	c         chan time.Time
	StopFunc  func()
	ResetFunc func()
}

// C returns the tick channel.
func (mt *ManualTicker) C() <-chan time.Time { return mt.c }

// Stop calls StopFunc.
func (mt *ManualTicker) Stop() { mt.StopFunc() }

// Reset calls ResetFunc.
func (mt *ManualTicker) Reset() { mt.ResetFunc() }

// Tick emits a tick.
func (mt *ManualTicker) Tick() { mt.c <- time.Now() }

// NewManualTicker returns a Ticker that can be manually controlled.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{
		c:         make(chan time.Time, 1),
		StopFunc:  func() {},
		ResetFunc: func() {},
	}
}

// NewCountTicker returns a ManualTicker that ticks on each of the first n
// Reset calls and invokes callback on every Reset after that.
func NewCountTicker(n int, callback func()) *ManualTicker {
	ticker := NewManualTicker()
	ticker.ResetFunc = func() {
		n--
		if n < 0 {
			callback()
			return
		}

		ticker.Tick()
	}

	return ticker
}
