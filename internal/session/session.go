package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Config is an Endpoint's handshake/session parameters.
type Config struct {
	LocalID          uint16
	NumOutputs       int
	NumInputs        int
	SendType         ElementType
	MaxAge           time.Duration
	HandshakeTimeout time.Duration
}

// Stats is the session's status snapshot (get_status in udp_socket.py).
type Stats struct {
	Running             bool
	PacketsReceived      uint64
	PacketsSent          uint64
	PacketsExpired       uint64
	PacketsCorrupted     uint64
	PacketsShapeInvalid  uint64
	DataAge              time.Duration
	HasDataAge           bool
	TimeSinceLastPacket  time.Duration
	HasTimeSinceLast     bool
	HasData              bool
	ReceiveType          ElementType
	SendType             ElementType
	NumInputs            int
	NumOutputs           int
}

// livenessSilence is the heartbeat loop's "connection has timed out"
// threshold (udp_socket.py's hardcoded `if age > 30`).
const livenessSilence = 30 * time.Second

const heartbeatPoll = 2 * time.Second

// Endpoint is one side of a handshaken, CRC-framed UDP datagram session.
// The embedded heartbeat loop is only meaningful when NumInputs > 0,
// mirroring udp_socket.py's start() guard.
type Endpoint struct {
	cfg        Config
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	isServer   bool
	onFatal    func(error)

	mu              sync.Mutex
	latestData      []float64
	hasLatest       bool
	latestTimestamp time.Time
	lastPacketTime  time.Time
	receiveType     ElementType

	statsMu sync.Mutex
	stats   Stats

	runMu   sync.Mutex
	running bool
}

// NewServer binds conn and waits for a remote handshake on Run/Handshake.
func NewServer(conn *net.UDPConn, cfg Config, onFatal func(error)) *Endpoint {
	return &Endpoint{cfg: cfg, conn: conn, isServer: true, onFatal: onFatal}
}

// NewClient targets conn at remote and initiates the handshake.
func NewClient(conn *net.UDPConn, remote *net.UDPAddr, cfg Config, onFatal func(error)) *Endpoint {
	return &Endpoint{cfg: cfg, conn: conn, remoteAddr: remote, isServer: false, onFatal: onFatal}
}

// Handshake performs the cross-checked handshake described in spec.md
// §4.4's handshake scenario: each side announces its own
// (local_id, num_outputs, num_inputs, send_type, max_age_ms); the session
// is rejected unless each side's outputs match the other's expected
// inputs, and the remote's advertised send type is one of the 10 known
// element types.
func (e *Endpoint) Handshake(ctx context.Context) error {
	timeout := e.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ours := handshake{
		localID:    e.cfg.LocalID,
		numOutputs: uint16(e.cfg.NumOutputs),
		numInputs:  uint16(e.cfg.NumInputs),
		sendType:   e.cfg.SendType,
		maxAgeMs:   uint16(e.cfg.MaxAge.Milliseconds()),
	}
	ourBytes := packHandshake(ours)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(timeout)
	}
	if err := e.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("session: set handshake deadline: %w", err)
	}
	defer e.conn.SetDeadline(time.Time{})

	var data []byte
	var addr *net.UDPAddr
	if e.isServer {
		buf := make([]byte, handshakeSize)
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("session: handshake timeout waiting for peer: %w", err)
		}
		data = buf[:n]
		addr = from
		if _, err := e.conn.WriteToUDP(ourBytes, addr); err != nil {
			return fmt.Errorf("session: send handshake reply: %w", err)
		}
	} else {
		if _, err := e.conn.WriteToUDP(ourBytes, e.remoteAddr); err != nil {
			return fmt.Errorf("session: send handshake: %w", err)
		}
		buf := make([]byte, handshakeSize)
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("session: handshake timeout waiting for reply: %w", err)
		}
		data = buf[:n]
		addr = from
	}

	remote, err := unpackHandshake(data)
	if err != nil {
		return err
	}
	e.remoteAddr = addr

	if int(remote.numInputs) != e.cfg.NumOutputs {
		return fmt.Errorf("session: handshake mismatch: peer expects %d inputs, we send %d outputs", remote.numInputs, e.cfg.NumOutputs)
	}
	if int(remote.numOutputs) != e.cfg.NumInputs {
		return fmt.Errorf("session: handshake mismatch: peer sends %d outputs, we expect %d inputs", remote.numOutputs, e.cfg.NumInputs)
	}
	if !remote.sendType.Valid() {
		return fmt.Errorf("session: handshake: peer advertised invalid send type %q", rune(remote.sendType))
	}

	e.mu.Lock()
	e.receiveType = remote.sendType
	e.mu.Unlock()
	return nil
}

// Send encodes values with the configured send type, appends the CRC-16,
// and transmits to the handshaken peer.
func (e *Endpoint) Send(values []float64) error {
	if e.remoteAddr == nil {
		return fmt.Errorf("session: no remote address, handshake not completed")
	}
	if len(values) != e.cfg.NumOutputs {
		return fmt.Errorf("session: expected %d values, got %d", e.cfg.NumOutputs, len(values))
	}
	payload, err := encodeValues(values, e.cfg.SendType)
	if err != nil {
		return err
	}
	crc := crc16CCITT(payload)
	frame := make([]byte, len(payload)+2)
	copy(frame, payload)
	frame[len(payload)] = byte(crc)
	frame[len(payload)+1] = byte(crc >> 8)

	if _, err := e.conn.WriteToUDP(frame, e.remoteAddr); err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	e.statsMu.Lock()
	e.stats.PacketsSent++
	e.statsMu.Unlock()
	return nil
}

// GetLatest returns the most recently received values, clearing the slot
// on read, or (nil, false) if no fresh data is available — either because
// none has arrived or because the last arrival is older than MaxAge
// (spec.md §4.4's freshness-gating scenario).
func (e *Endpoint) GetLatest() ([]float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasLatest {
		return nil, false
	}
	if time.Since(e.latestTimestamp) > e.cfg.MaxAge {
		e.hasLatest = false
		e.statsMu.Lock()
		e.stats.PacketsExpired++
		e.statsMu.Unlock()
		return nil, false
	}
	data := e.latestData
	e.latestData = nil
	e.hasLatest = false
	return data, true
}

// Status returns a point-in-time statistics snapshot (get_status).
func (e *Endpoint) Status() Stats {
	e.mu.Lock()
	hasData := e.hasLatest
	var age time.Duration
	hasAge := !e.latestTimestamp.IsZero()
	if hasAge {
		age = time.Since(e.latestTimestamp)
	}
	var sinceLast time.Duration
	hasSinceLast := !e.lastPacketTime.IsZero()
	if hasSinceLast {
		sinceLast = time.Since(e.lastPacketTime)
	}
	receiveType := e.receiveType
	e.mu.Unlock()

	e.statsMu.Lock()
	s := e.stats
	e.statsMu.Unlock()

	e.runMu.Lock()
	s.Running = e.running
	e.runMu.Unlock()

	s.DataAge, s.HasDataAge = age, hasAge
	s.TimeSinceLastPacket, s.HasTimeSinceLast = sinceLast, hasSinceLast
	s.HasData = hasData
	s.ReceiveType = receiveType
	s.SendType = e.cfg.SendType
	s.NumInputs = e.cfg.NumInputs
	s.NumOutputs = e.cfg.NumOutputs
	return s
}

// Run starts the receive loop and, when NumInputs > 0, the liveness
// sub-loop, blocking until ctx is cancelled or either loop hits a fatal
// condition. A fatal condition (corrupted-beyond-use framing aside, which
// is silently dropped) invokes onFatal exactly once and returns the error.
func (e *Endpoint) Run(ctx context.Context) error {
	e.runMu.Lock()
	e.running = true
	e.runMu.Unlock()
	defer func() {
		e.runMu.Lock()
		e.running = false
		e.runMu.Unlock()
	}()

	e.mu.Lock()
	e.latestTimestamp = time.Now()
	e.mu.Unlock()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- e.receiveLoop(ctx)
	}()

	if e.cfg.NumInputs > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- e.livenessLoop(ctx)
		}()
	}

	var fatal error
	select {
	case <-ctx.Done():
	case fatal = <-errCh:
		if fatal != nil && e.onFatal != nil {
			e.onFatal(fatal)
		}
	}
	wg.Wait()
	return fatal
}

// receiveLoop reads datagrams, silently drops CRC failures, counts
// malformed sizes, and treats a zero-length datagram as an orderly
// peer disconnect (close_connection's sentinel).
func (e *Endpoint) receiveLoop(ctx context.Context) error {
	expected := e.cfg.NumInputs*e.receiveType.Size() + 2
	buf := make([]byte, expected+1) // +1 to detect oversize datagrams

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		e.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("session: receive: %w", err)
		}

		if n == 0 {
			return nil // peer closed the session
		}
		if n != expected {
			e.statsMu.Lock()
			e.stats.PacketsShapeInvalid++
			e.statsMu.Unlock()
			continue
		}

		arrival := time.Now()
		payload := buf[:n-2]
		receivedCRC := uint16(buf[n-2]) | uint16(buf[n-1])<<8
		if crc16CCITT(payload) != receivedCRC {
			e.statsMu.Lock()
			e.stats.PacketsCorrupted++
			e.statsMu.Unlock()
			continue
		}

		values, err := decodeValues(payload, e.receiveType, e.cfg.NumInputs)
		if err != nil {
			e.statsMu.Lock()
			e.stats.PacketsShapeInvalid++
			e.statsMu.Unlock()
			continue
		}

		e.mu.Lock()
		e.latestData = values
		e.hasLatest = true
		e.latestTimestamp = arrival
		e.lastPacketTime = arrival
		e.mu.Unlock()

		e.statsMu.Lock()
		e.stats.PacketsReceived++
		e.statsMu.Unlock()
	}
}

// livenessLoop is the heartbeat thread: if no datagram has arrived in
// livenessSilence, the session is declared dead.
func (e *Endpoint) livenessLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.mu.Lock()
			age := time.Since(e.latestTimestamp)
			e.mu.Unlock()
			if age > livenessSilence {
				return fmt.Errorf("session: connection has timed out after %s of silence", age.Round(time.Second))
			}
		}
	}
}

// Close sends a zero-length datagram to signal an orderly hangup and
// closes the underlying socket.
func (e *Endpoint) Close() error {
	if e.remoteAddr != nil {
		e.conn.WriteToUDP(nil, e.remoteAddr)
	}
	return e.conn.Close()
}
