package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dmcore/event"
	"github.com/opd-ai/dmcore/scheme"
	"github.com/opd-ai/dmcore/signer"
)

// fakeSigner is a controllable authority for queue tests.
type fakeSigner struct {
	placement signer.Placement
	callDelay time.Duration
	hang      bool
	failWith  error
	readyGate chan struct{}

	calls atomic.Int32
}

func (f *fakeSigner) PublicKey() string                 { return "fake" }
func (f *fakeSigner) Placement() signer.Placement       { return f.placement }
func (f *fakeSigner) Capabilities() signer.Capabilities { return signer.Capabilities{SupportsModern: true} }

func (f *fakeSigner) WaitReady(ctx context.Context) error {
	if f.readyGate == nil {
		return nil
	}
	select {
	case <-f.readyGate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSigner) Sign(_ context.Context, env *event.Envelope) error {
	env.ID = "signed"
	return nil
}

func (f *fakeSigner) do(value string) (string, error) {
	f.calls.Add(1)
	if f.hang {
		select {} // never settles
	}
	if f.callDelay > 0 {
		time.Sleep(f.callDelay)
	}
	if f.failWith != nil {
		return "", f.failWith
	}
	return value, nil
}

func (f *fakeSigner) Encrypt(_ context.Context, _, plaintext string, _ scheme.Scheme) (string, error) {
	return f.do("enc:" + plaintext)
}

func (f *fakeSigner) Decrypt(_ context.Context, _, ciphertext string, _ scheme.Scheme) (string, error) {
	return f.do("dec:" + ciphertext)
}

func TestNoSignerFailsFast(t *testing.T) {
	b := New(nil, Config{})
	defer b.Shutdown()

	_, err := b.Decrypt(context.Background(), "peer", "ct", scheme.Legacy)
	assert.ErrorIs(t, err, ErrNoSigner)

	_, err = b.Encrypt(context.Background(), "peer", "pt", scheme.Legacy)
	assert.ErrorIs(t, err, ErrNoSigner)
}

func TestBoundedConcurrency(t *testing.T) {
	const jobs = 10
	callTime := 80 * time.Millisecond

	sig := &fakeSigner{placement: signer.PlacementRemote, callDelay: callTime}
	b := New(sig, Config{
		DecryptConcurrency: 2,
		InterCallDelay:     time.Nanosecond,
	})
	defer b.Shutdown()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Decrypt(context.Background(), "peer", "ct", scheme.Modern)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ceil(10/2) batches of callTime is the floor: the cap is never
	// exceeded, so completion can never beat 5 serialized batches.
	minimum := time.Duration(jobs/2) * callTime
	assert.GreaterOrEqual(t, elapsed, minimum,
		"completion faster than the concurrency cap allows")
	assert.LessOrEqual(t, b.MaxDecryptInFlight(), int32(2),
		"in-flight decrypts exceeded the configured cap")
	assert.Equal(t, int32(jobs), sig.calls.Load())
	assert.Equal(t, int32(0), b.DecryptInFlight())
}

func TestTimeoutFreesSlot(t *testing.T) {
	sig := &fakeSigner{placement: signer.PlacementRemote, hang: true}
	b := New(sig, Config{
		DecryptConcurrency: 1,
		DecryptTimeout:     60 * time.Millisecond,
		InterCallDelay:     time.Nanosecond,
	})
	defer b.Shutdown()

	_, err := b.Decrypt(context.Background(), "peer", "ct", scheme.Modern)
	assert.ErrorIs(t, err, ErrTimeout)

	// The slot is freed: a second job dispatches rather than starving.
	sig2 := sig.calls.Load()
	_, err = b.Decrypt(context.Background(), "peer", "ct2", scheme.Modern)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Greater(t, sig.calls.Load(), sig2, "next queued job never dispatched")
	assert.Equal(t, int32(0), b.DecryptInFlight())
}

func TestLocalBypass(t *testing.T) {
	sig := &fakeSigner{placement: signer.PlacementLocal}
	b := New(sig, Config{DecryptConcurrency: 1, InterCallDelay: time.Nanosecond})
	defer b.Shutdown()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := b.Decrypt(context.Background(), "peer", "ct", scheme.Legacy)
			assert.NoError(t, err)
			assert.Equal(t, "dec:ct", value)
		}()
	}
	wg.Wait()

	// All calls ran directly: nothing entered the queue and there was no
	// pacing, so 20 calls complete near-instantly.
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(0), b.MaxDecryptInFlight(), "local calls must not be queued")
	assert.Equal(t, int32(20), sig.calls.Load())
}

func TestFailureResolvesLocally(t *testing.T) {
	boom := errors.New("provider rejected")
	sig := &fakeSigner{placement: signer.PlacementRemote, failWith: boom}
	b := New(sig, Config{InterCallDelay: time.Nanosecond})
	defer b.Shutdown()

	_, err := b.Decrypt(context.Background(), "peer", "ct", scheme.Modern)
	assert.ErrorIs(t, err, boom)

	// The queue keeps running after a rejection.
	sig.failWith = nil
	value, err := b.Decrypt(context.Background(), "peer", "ct", scheme.Modern)
	assert.NoError(t, err)
	assert.Equal(t, "dec:ct", value)
}

func TestReadinessGate(t *testing.T) {
	gate := make(chan struct{})
	sig := &fakeSigner{placement: signer.PlacementRemote, readyGate: gate}
	b := New(sig, Config{InterCallDelay: time.Nanosecond})
	defer b.Shutdown()

	resultCh := make(chan error, 1)
	go func() {
		_, err := b.Decrypt(context.Background(), "peer", "ct", scheme.Modern)
		resultCh <- err
	}()

	// Until the handshake confirms, no authority call is dispatched.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), sig.calls.Load(), "call issued before readiness")

	close(gate)
	require.NoError(t, <-resultCh)
	assert.Equal(t, int32(1), sig.calls.Load())
}

func TestShutdownDrainsQueue(t *testing.T) {
	sig := &fakeSigner{placement: signer.PlacementRemote, callDelay: 30 * time.Millisecond}
	b := New(sig, Config{DecryptConcurrency: 1, InterCallDelay: time.Nanosecond})

	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		go func() {
			_, err := b.Decrypt(context.Background(), "peer", "ct", scheme.Modern)
			errs <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	b.Shutdown()

	var shutdownErrs int
	for i := 0; i < 6; i++ {
		if errors.Is(<-errs, ErrShutdown) {
			shutdownErrs++
		}
	}
	assert.Greater(t, shutdownErrs, 0, "queued jobs should resolve with ErrShutdown")
}
