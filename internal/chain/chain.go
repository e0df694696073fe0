// Package chain provides a two-phase submission broker for state-changing
// operations. Callers submit an operation and receive a handle carrying a
// transaction hash immediately; the operation itself executes on a single
// worker goroutine, and Await blocks until its receipt is available.
//
// This mirrors the submit-then-confirm lifecycle of an on-chain
// transaction while keeping execution strictly ordered: one worker means
// operations commit in submission order.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when submitting to a broker whose Run loop has
// exited.
var ErrClosed = errors.New("chain: broker closed")

// Op is a state-changing operation. The returned value is carried on the
// receipt for the caller to unwrap.
type Op func(ctx context.Context) (any, error)

// Receipt is the confirmed outcome of a submitted operation.
type Receipt struct {
	TxHash      string
	Result      any
	Err         error
	SubmittedAt time.Time
	ConfirmedAt time.Time
}

// Handle identifies a pending submission. The transaction hash is assigned
// at submission time, before execution.
type Handle struct {
	TxHash string
	done   chan *Receipt
}

type submission struct {
	op     Op
	handle *Handle
	at     time.Time
}

// Broker executes submitted operations one at a time in submission order.
type Broker struct {
	ops     chan submission
	latency time.Duration // artificial confirmation delay, 0 in tests
	nonce   atomic.Uint64
	salt    string
	closed  atomic.Bool
}

// NewBroker creates a broker. latency is added before each receipt is
// confirmed, approximating block time; pass 0 to confirm immediately.
func NewBroker(latency time.Duration) *Broker {
	return &Broker{
		ops:     make(chan submission, 64),
		latency: latency,
		salt:    uuid.NewString(),
	}
}

// Submit enqueues an operation and returns its handle. The operation has
// not executed yet when Submit returns.
func (b *Broker) Submit(ctx context.Context, op Op) (*Handle, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	h := &Handle{
		TxHash: b.txHash(),
		done:   make(chan *Receipt, 1),
	}

	select {
	case b.ops <- submission{op: op, handle: h, at: time.Now().UTC()}:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Await blocks until the submission's receipt is available or the context
// is cancelled. The operation keeps executing either way; cancellation
// only abandons the wait.
func (b *Broker) Await(ctx context.Context, h *Handle) (*Receipt, error) {
	select {
	case r := <-h.done:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute is Submit followed by Await. Most HTTP handlers use this form.
func (b *Broker) Execute(ctx context.Context, op Op) (*Receipt, error) {
	h, err := b.Submit(ctx, op)
	if err != nil {
		return nil, err
	}
	return b.Await(ctx, h)
}

// Run drains the submission queue until the context is cancelled. Must be
// called exactly once, in its own goroutine.
func (b *Broker) Run(ctx context.Context) error {
	defer b.closed.Store(true)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sub := <-b.ops:
			result, err := sub.op(ctx)
			if b.latency > 0 {
				select {
				case <-time.After(b.latency):
				case <-ctx.Done():
				}
			}

			r := &Receipt{
				TxHash:      sub.handle.TxHash,
				Result:      result,
				Err:         err,
				SubmittedAt: sub.at,
				ConfirmedAt: time.Now().UTC(),
			}
			sub.handle.done <- r

			if err != nil {
				slog.Debug("operation rejected", "tx", r.TxHash, "err", err)
			}
		}
	}
}

// txHash derives a unique pseudo transaction hash from the broker salt and
// a monotonic nonce.
func (b *Broker) txHash() string {
	n := b.nonce.Add(1)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)

	h := sha256.New()
	h.Write([]byte(b.salt))
	h.Write(buf[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
