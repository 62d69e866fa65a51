package obd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"smart-obd/core/internal/metrics"
)

// State of the adapter link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
)

var stateNames = [...]string{"DISCONNECTED", "CONNECTING", "CONNECTED", "DEGRADED", "RECONNECTING"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

var (
	// ErrDisconnected means retries were exhausted; sends fail fast
	// without touching the transport until Reconnect is called.
	ErrDisconnected = errors.New("obd: link down, explicit reconnect required")
	// ErrShutdown means the manager was stopped.
	ErrShutdown = errors.New("obd: connection manager is shut down")
)

// ManagerConfig tunes retry, timeout and heartbeat behavior.
type ManagerConfig struct {
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	ReadTimeout       time.Duration
	HeartbeatInterval time.Duration
}

type sendResult struct {
	raw []byte
	err error
}

type sendReq struct {
	frame []byte
	reply chan sendResult
}

// Manager owns the transport. All I/O happens on the goroutine running
// Run; Send posts requests over a channel, which serializes access to the
// half-duplex link.
type Manager struct {
	dial  Dialer
	clock Clock
	cfg   ManagerConfig
	rng   *rand.Rand

	reqCh       chan *sendReq
	reconnectCh chan struct{}
	shutdownCh  chan struct{}
	doneCh      chan struct{}
	stopOnce    sync.Once
	started     atomic.Bool

	state   atomic.Int32
	mu      sync.Mutex
	lastErr error
}

func NewManager(dial Dialer, cfg ManagerConfig, clock Clock) *Manager {
	m := &Manager{
		dial:        dial,
		clock:       clock,
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(clock.Now().UnixNano())),
		reqCh:       make(chan *sendReq),
		reconnectCh: make(chan struct{}, 1),
		shutdownCh:  make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	m.state.Store(int32(StateConnecting))
	return m
}

func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		log.Printf("obd: link %s -> %s", old, s)
	}
}

// LastError returns the most recent transport failure.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) recordErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// Send transmits one request frame and blocks until the response arrives,
// the context expires, or the manager shuts down. When the link is in the
// terminal Disconnected state it fails immediately without attempting I/O.
func (m *Manager) Send(ctx context.Context, f Frame) ([]byte, error) {
	if m.State() == StateDisconnected {
		return nil, ErrDisconnected
	}

	req := &sendReq{frame: EncodeRequest(f), reply: make(chan sendResult, 1)}
	select {
	case m.reqCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.shutdownCh:
		return nil, ErrShutdown
	}

	select {
	case res := <-req.reply:
		return res.raw, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.shutdownCh:
		return nil, ErrShutdown
	}
}

// Reconnect requests a fresh connect cycle after a fatal disconnect.
func (m *Manager) Reconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
	}
}

// Shutdown stops the owner goroutine and waits until the transport handle
// has been released. Safe to call more than once and from any state,
// including mid-backoff.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.shutdownCh) })
	if m.started.Load() {
		<-m.doneCh
	}
}

// Run drives the state machine until shutdown or context cancellation.
func (m *Manager) Run(ctx context.Context) {
	m.started.Store(true)
	defer close(m.doneCh)

	var transport Transport
	retries := 0

	closeTransport := func() {
		if transport != nil {
			transport.Close()
			transport = nil
		}
	}
	defer closeTransport()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdownCh:
			return
		default:
		}

		switch m.State() {
		case StateConnecting:
			t, err := m.connect()
			if err != nil {
				m.recordErr(err)
				log.Printf("obd: connect failed: %v", err)
				m.setState(StateReconnecting)
				continue
			}
			transport = t
			retries = 0
			m.setState(StateConnected)

		case StateConnected, StateDegraded:
			if !m.serve(ctx, transport) {
				closeTransport()
				if m.State() == StateReconnecting {
					continue
				}
				return
			}

		case StateReconnecting:
			closeTransport()
			if retries >= m.cfg.MaxRetries {
				log.Printf("obd: %d reconnect attempts exhausted, giving up", retries)
				m.setState(StateDisconnected)
				continue
			}
			delay := m.backoff(retries)
			retries++
			metrics.Reconnects.Add(1)
			select {
			case <-m.clock.After(delay):
				m.setState(StateConnecting)
			case <-ctx.Done():
				return
			case <-m.shutdownCh:
				return
			}

		case StateDisconnected:
			select {
			case req := <-m.reqCh:
				req.reply <- sendResult{err: ErrDisconnected}
			case <-m.reconnectCh:
				retries = 0
				m.setState(StateConnecting)
			case <-ctx.Done():
				return
			case <-m.shutdownCh:
				return
			}
		}
	}
}

// serve handles traffic on a live link. Returns false when the caller
// must drop the transport (reconnect or shutdown).
func (m *Manager) serve(ctx context.Context, t Transport) bool {
	idle := m.clock.After(m.cfg.HeartbeatInterval)

	for {
		select {
		case req := <-m.reqCh:
			raw, err := m.exchangeWithRetry(t, req.frame)
			req.reply <- sendResult{raw: raw, err: err}
			if err != nil {
				m.setState(StateReconnecting)
				return false
			}
			idle = m.clock.After(m.cfg.HeartbeatInterval)

		case <-idle:
			// Adapter voltage query doubles as a heartbeat.
			if _, err := m.exchangeWithRetry(t, []byte("ATRV\r")); err != nil {
				m.setState(StateReconnecting)
				return false
			}
			idle = m.clock.After(m.cfg.HeartbeatInterval)

		case <-ctx.Done():
			return false
		case <-m.shutdownCh:
			return false
		}
	}
}

// exchangeWithRetry performs one write/read round trip, retrying the
// in-flight request exactly once through the Degraded state before
// failing it.
func (m *Manager) exchangeWithRetry(t Transport, frame []byte) ([]byte, error) {
	raw, err := m.exchange(t, frame)
	if err == nil {
		if m.State() == StateDegraded {
			m.setState(StateConnected)
		}
		return raw, nil
	}

	m.recordErr(err)
	m.setState(StateDegraded)

	raw, err = m.exchange(t, frame)
	if err != nil {
		m.recordErr(err)
		return nil, err
	}
	m.setState(StateConnected)
	return raw, nil
}

func (m *Manager) exchange(t Transport, frame []byte) ([]byte, error) {
	if err := t.Write(frame); err != nil {
		return nil, err
	}
	return t.Read(m.cfg.ReadTimeout)
}

// connect dials the transport and runs the ELM327 handshake: reset, echo
// off, automatic protocol selection.
func (m *Manager) connect() (Transport, error) {
	t, err := m.dial()
	if err != nil {
		return nil, err
	}
	for _, cmd := range []string{"ATZ\r", "ATE0\r", "ATSP0\r"} {
		if _, err := m.exchange(t, []byte(cmd)); err != nil {
			t.Close()
			return nil, fmt.Errorf("handshake %q: %w", cmd, err)
		}
	}
	return t, nil
}

// backoff computes the nth reconnect delay: exponential from the base,
// capped, with jitter in the upper half of the interval.
func (m *Manager) backoff(n int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 0; i < n && d < m.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > m.cfg.BackoffCap {
		d = m.cfg.BackoffCap
	}
	half := d / 2
	return half + time.Duration(m.rng.Int63n(int64(half)+1))
}
