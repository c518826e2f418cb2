package harness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"longhaul-telemetry/internal/clock"
	"longhaul-telemetry/internal/telemetry"
)

var errStubDispatch = errors.New("stub: dispatch refused")

// confirmPolicy decides how the nth send (1-based) is confirmed. A non-nil
// error makes Send fail synchronously.
type confirmPolicy func(n int, id telemetry.TrackingID) (telemetry.TrackingID, telemetry.ConfirmationResult, error)

func alwaysOK(_ int, id telemetry.TrackingID) (telemetry.TrackingID, telemetry.ConfirmationResult, error) {
	return id, telemetry.ConfirmationOK, nil
}

func alternateFailures(n int, id telemetry.TrackingID) (telemetry.TrackingID, telemetry.ConfirmationResult, error) {
	if n%2 == 0 {
		return id, telemetry.ConfirmationError, nil
	}
	return id, telemetry.ConfirmationOK, nil
}

// stubTransport confirms every send from its own goroutine after delay,
// unless hold is set, in which case confirmations wait for release.
type stubTransport struct {
	policy confirmPolicy
	delay  time.Duration
	hold   bool

	mu       sync.Mutex
	confirm  telemetry.ConfirmationHandler
	status   telemetry.ConnectionStatusHandler
	message  telemetry.MessageHandler
	sent     []telemetry.Message
	released chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func newStubTransport(policy confirmPolicy) *stubTransport {
	return &stubTransport{
		policy:   policy,
		delay:    time.Millisecond,
		released: make(chan struct{}),
	}
}

func (s *stubTransport) SetConfirmationHandler(h telemetry.ConfirmationHandler) {
	s.mu.Lock()
	s.confirm = h
	s.mu.Unlock()
}

func (s *stubTransport) SetConnectionStatusHandler(h telemetry.ConnectionStatusHandler) {
	s.mu.Lock()
	s.status = h
	s.mu.Unlock()
}

func (s *stubTransport) SetMessageHandler(h telemetry.MessageHandler) {
	s.mu.Lock()
	s.message = h
	s.mu.Unlock()
}

func (s *stubTransport) Send(_ context.Context, id telemetry.TrackingID, msg telemetry.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	n := len(s.sent)
	confirm := s.confirm
	s.mu.Unlock()

	confirmID, result, err := s.policy(n, id)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.hold {
			<-s.released
		}
		time.Sleep(s.delay)
		confirm(confirmID, result)
	}()
	return nil
}

func (s *stubTransport) release() {
	s.once.Do(func() { close(s.released) })
}

// wait releases held confirmations and waits for every confirmation goroutine.
func (s *stubTransport) wait() {
	s.release()
	s.wg.Wait()
}

func (s *stubTransport) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *stubTransport) deliver(msg telemetry.InboundMessage) telemetry.Disposition {
	s.mu.Lock()
	h := s.message
	s.mu.Unlock()
	return h(msg)
}

func (s *stubTransport) reportStatus(status telemetry.ConnectionStatus, reason telemetry.StatusReason) {
	s.mu.Lock()
	h := s.status
	s.mu.Unlock()
	h(status, reason)
}

// stepIntervals lets the loop run n cycles by advancing the fake clock one
// interval each time the loop is parked on its timer.
func stepIntervals(t *testing.T, clk *clock.FakeClock, n int, interval time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		if !clk.BlockUntil(1, 2*time.Second) {
			t.Fatalf("loop did not wait for its next cycle (step %d)", i+1)
		}
		clk.Advance(interval)
	}
}

// advanceUntilDone keeps moving the fake clock until done is closed.
func advanceUntilDone(t *testing.T, clk *clock.FakeClock, done <-chan struct{}, step time.Duration) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("run did not finish")
		case <-time.After(time.Millisecond):
			clk.Advance(step)
		}
	}
}
