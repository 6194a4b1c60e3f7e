package draftsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quicksoap/quicksoap/internal/domain/dictation"
)

const defaultMirrorTimeout = 10 * time.Second

// LedgerWriter is the remote side of a Mirrorer. *Protocol satisfies it.
type LedgerWriter interface {
	MirrorLedger(ctx context.Context, snap dictation.Snapshot) error
}

// Mirrorer pushes ledger snapshots to the record store from one background
// goroutine. Only the newest pending snapshot is written; older ones that
// were never picked up are dropped. It implements dictation.Mirror.
type Mirrorer struct {
	target  LedgerWriter
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	idle    *sync.Cond
	pending *dictation.Snapshot
	busy    bool
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func NewMirrorer(target LedgerWriter, logger zerolog.Logger) *Mirrorer {
	m := &Mirrorer{
		target:  target,
		logger:  logger,
		timeout: defaultMirrorTimeout,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.idle = sync.NewCond(&m.mu)
	go m.run()
	return m
}

// Submit queues snap and returns immediately.
func (m *Mirrorer) Submit(snap dictation.Snapshot) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending = &snap
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mirrorer) run() {
	defer close(m.done)
	for {
		select {
		case <-m.wake:
			m.drain()
		case <-m.stop:
			m.drain()
			return
		}
	}
}

func (m *Mirrorer) drain() {
	for {
		m.mu.Lock()
		snap := m.pending
		m.pending = nil
		if snap == nil {
			m.busy = false
			m.idle.Broadcast()
			m.mu.Unlock()
			return
		}
		m.busy = true
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		if err := m.target.MirrorLedger(ctx, *snap); err != nil {
			m.logger.Warn().Err(err).Int("dictations", len(snap.Dictations)).Msg("ledger mirror failed")
		}
		cancel()
	}
}

// Flush blocks until every submitted snapshot has been written or dropped.
func (m *Mirrorer) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pending != nil || m.busy {
		m.idle.Wait()
	}
}

// Close writes the last pending snapshot and stops the worker.
func (m *Mirrorer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	<-m.done
}
