// Package broker mediates every encrypt and decrypt call to the signing
// authority. A remote, possibly interactive authority must never be flooded
// with concurrent requests; a local one must never be artificially slowed
// down. The broker runs two independent bounded worker pools (decrypt and
// encrypt), applies a per-call timeout so a hung remote call never stalls
// the rest of the queue, paces consecutive remote calls, and bypasses the
// queues entirely for a local authority.
package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/scheme"
	"github.com/opd-ai/dmcore/signer"
)

var (
	// ErrNoSigner indicates no signing authority is configured. Calls fail
	// fast without queueing.
	ErrNoSigner = errors.New("broker: no signing authority configured")
	// ErrTimeout indicates a call did not settle within the per-call
	// timeout. The slot is freed; the underlying call may still complete
	// later and is ignored.
	ErrTimeout = errors.New("broker: authority call timed out")
	// ErrShutdown indicates the broker was shut down with the job still
	// queued.
	ErrShutdown = errors.New("broker: shut down")
)

// Defaults tuned for interactive remote authorities.
const (
	DefaultDecryptConcurrency = 2
	DefaultEncryptConcurrency = 1
	DefaultDecryptTimeout     = 15 * time.Second
	DefaultEncryptTimeout     = 30 * time.Second
	DefaultInterCallDelay     = 50 * time.Millisecond
	queueCapacity             = 256
)

// Config tunes the broker. Zero values take the defaults above.
type Config struct {
	DecryptConcurrency int
	EncryptConcurrency int
	DecryptTimeout     time.Duration
	EncryptTimeout     time.Duration
	// InterCallDelay is slept after each settled remote call before the
	// worker takes the next job, smoothing bursts against providers that
	// rate limit.
	InterCallDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.DecryptConcurrency <= 0 {
		c.DecryptConcurrency = DefaultDecryptConcurrency
	}
	if c.EncryptConcurrency <= 0 {
		c.EncryptConcurrency = DefaultEncryptConcurrency
	}
	if c.DecryptTimeout <= 0 {
		c.DecryptTimeout = DefaultDecryptTimeout
	}
	if c.EncryptTimeout <= 0 {
		c.EncryptTimeout = DefaultEncryptTimeout
	}
	if c.InterCallDelay < 0 {
		c.InterCallDelay = DefaultInterCallDelay
	}
}

// cryptoOp is the authority call a job performs.
type cryptoOp func(ctx context.Context) (string, error)

type job struct {
	op     cryptoOp
	result chan jobResult
}

type jobResult struct {
	value string
	err   error
}

// Broker owns the two queues in front of one signing authority. Construct
// one per authenticated session and Shutdown on logout.
type Broker struct {
	sig     signer.Signer
	cfg     Config
	decrypt *workQueue
	encrypt *workQueue
	logger  *logrus.Entry
}

// New creates a broker for the given authority. A nil signer is allowed;
// every call then resolves ErrNoSigner immediately.
func New(sig signer.Signer, cfg Config) *Broker {
	cfg.applyDefaults()

	delay := cfg.InterCallDelay
	if delay == 0 {
		delay = DefaultInterCallDelay
	}

	b := &Broker{
		sig:     sig,
		cfg:     cfg,
		decrypt: newWorkQueue("decrypt", cfg.DecryptConcurrency, cfg.DecryptTimeout, delay),
		encrypt: newWorkQueue("encrypt", cfg.EncryptConcurrency, cfg.EncryptTimeout, delay),
		logger:  logrus.WithField("component", "CryptoBroker"),
	}
	b.decrypt.start()
	b.encrypt.start()
	return b
}

// Decrypt resolves the plaintext for ciphertext from peer under the given
// scheme, queued and paced unless the authority is local.
func (b *Broker) Decrypt(ctx context.Context, peer, ciphertext string, sch scheme.Scheme) (string, error) {
	return b.run(ctx, b.decrypt, func(callCtx context.Context) (string, error) {
		return b.sig.Decrypt(callCtx, peer, ciphertext, sch)
	})
}

// Encrypt resolves the ciphertext for plaintext to peer under the given
// scheme, queued and paced unless the authority is local.
func (b *Broker) Encrypt(ctx context.Context, peer, plaintext string, sch scheme.Scheme) (string, error) {
	return b.run(ctx, b.encrypt, func(callCtx context.Context) (string, error) {
		return b.sig.Encrypt(callCtx, peer, plaintext, sch)
	})
}

func (b *Broker) run(ctx context.Context, q *workQueue, op cryptoOp) (string, error) {
	if b.sig == nil {
		return "", ErrNoSigner
	}

	// Local authorities are instant: skip readiness, queue, and pacing.
	// Outcome-identical to the queued path, just without the shaping.
	if b.sig.Placement() == signer.PlacementLocal {
		return op(ctx)
	}

	// No call is issued before the remote handshake is confirmed.
	if err := b.sig.WaitReady(ctx); err != nil {
		return "", err
	}

	return q.submit(ctx, op)
}

// Shutdown stops both queues. Queued but undispatched jobs resolve with
// ErrShutdown; in-flight authority calls are not aborted, their results are
// simply discarded.
func (b *Broker) Shutdown() {
	b.decrypt.stop()
	b.encrypt.stop()
	b.logger.Debug("Broker shut down")
}

// DecryptInFlight reports the number of decrypt calls currently dispatched.
func (b *Broker) DecryptInFlight() int32 {
	return b.decrypt.inFlight.Load()
}

// MaxDecryptInFlight reports the highest decrypt concurrency observed since
// construction.
func (b *Broker) MaxDecryptInFlight() int32 {
	return b.decrypt.maxInFlight.Load()
}

// workQueue is a fixed-size worker pool draining a job channel.
type workQueue struct {
	name    string
	jobs    chan *job
	limit   int
	timeout time.Duration
	delay   time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	stopOnce sync.Once
	stopping chan struct{}
	wg       sync.WaitGroup
	logger   *logrus.Entry
}

func newWorkQueue(name string, limit int, timeout, delay time.Duration) *workQueue {
	return &workQueue{
		name:     name,
		jobs:     make(chan *job, queueCapacity),
		limit:    limit,
		timeout:  timeout,
		delay:    delay,
		stopping: make(chan struct{}),
		logger:   logrus.WithFields(logrus.Fields{"component": "CryptoBroker", "queue": name}),
	}
}

func (q *workQueue) start() {
	for i := 0; i < q.limit; i++ {
		q.wg.Add(1)
		go q.pump()
	}
}

// pump dequeues while under the concurrency limit (one job per worker),
// dispatches the call with a timeout, and re-pumps after the inter-call
// delay.
func (q *workQueue) pump() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopping:
			return
		case j := <-q.jobs:
			q.dispatch(j)

			if q.delay > 0 {
				select {
				case <-q.stopping:
					return
				case <-time.After(q.delay):
				}
			}
		}
	}
}

// dispatch runs one job. The authority call runs in its own goroutine so a
// hung call cannot hold the worker past the timeout: the slot is freed and
// the late result, if any, is dropped.
func (q *workQueue) dispatch(j *job) {
	current := q.inFlight.Add(1)
	for {
		max := q.maxInFlight.Load()
		if current <= max || q.maxInFlight.CompareAndSwap(max, current) {
			break
		}
	}
	defer q.inFlight.Add(-1)

	callCtx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	done := make(chan jobResult, 1)
	go func() {
		value, err := j.op(callCtx)
		done <- jobResult{value: value, err: err}
	}()

	select {
	case result := <-done:
		j.result <- result
	case <-time.After(q.timeout):
		q.logger.WithField("timeout", q.timeout).Warn("Authority call timed out, freeing slot")
		j.result <- jobResult{err: ErrTimeout}
	}
}

// submit queues a job and awaits its settlement.
func (q *workQueue) submit(ctx context.Context, op cryptoOp) (string, error) {
	j := &job{op: op, result: make(chan jobResult, 1)}

	select {
	case <-q.stopping:
		return "", ErrShutdown
	case <-ctx.Done():
		return "", ctx.Err()
	case q.jobs <- j:
	}

	select {
	case <-q.stopping:
		return "", ErrShutdown
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-j.result:
		return result.value, result.err
	}
}

func (q *workQueue) stop() {
	q.stopOnce.Do(func() {
		close(q.stopping)
	})
	q.wg.Wait()

	// Drain jobs that never got a worker.
	for {
		select {
		case j := <-q.jobs:
			j.result <- jobResult{err: ErrShutdown}
		default:
			return
		}
	}
}
