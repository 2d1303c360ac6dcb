package watchdog

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// tWdSilence is T_wd_silence (spec.md §4.2): how long the monitor waits
// for an ack before concluding the watchdog process itself has died and
// needs respawning.
const tWdSilence = 25 * time.Second

const monitorPoll = 5 * time.Second

// Spec is what the monitor needs to (re)spawn a watchdog child: the
// binary to re-exec (os.Args[0]) and the arguments identifying the I²C
// peripheral and servo config the child recovers to.
type Spec struct {
	Self                  string
	I2CBus                int
	I2CAddr               uint8
	ServoConfigPath       string
	ExpectedCommandRateHz float64
}

// Monitor is the main-process side of the watchdog protocol (spec.md
// §4.2's "monitor thread"): it spawns the child, pushes heartbeats,
// drains acks, and respawns on silence. It also separately enforces the
// input-rate contract via an EWMA of inter-command intervals.
type Monitor struct {
	spec Spec

	mu       sync.Mutex
	cmd      *exec.Cmd
	hb       pipePair // main writes, child reads
	ack      pipePair // child writes, main reads
	shutdown pipePair // main writes, child reads
	lastAck  time.Time
	armed    bool

	rateMu       sync.Mutex
	ewmaInterval float64 // seconds
	lastCommand  time.Time
	starved      bool
}

// NewMonitor constructs a Monitor that has not yet spawned a child.
func NewMonitor(spec Spec) *Monitor {
	return &Monitor{spec: spec}
}

// Arm spawns the watchdog child process and starts the background
// respawn-on-silence loop. Safe to call once per Driving/Driving+Mirroring
// start (spec.md §4.2: the watchdog runs "under normal operation", i.e.
// whenever the PWM driver might be actively writing to the bus).
func (m *Monitor) Arm() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.armed {
		return nil
	}
	if err := m.spawnLocked(); err != nil {
		return err
	}
	m.armed = true
	go m.silenceLoop()
	return nil
}

// Disarm asks the watchdog to exit via the shutdown token, waits briefly,
// and force-kills it if it hasn't exited (spec.md §4.2's own "Exits
// cleanly if a shutdown token arrives" path).
func (m *Monitor) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.armed {
		return
	}
	m.armed = false
	pushToken(m.shutdown.write)

	done := make(chan struct{})
	go func() {
		if m.cmd != nil {
			m.cmd.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		if m.cmd != nil && m.cmd.Process != nil {
			m.cmd.Process.Kill()
		}
	}
	m.closePipesLocked()
}

// Heartbeat pushes one pwm→wd token; called once per control iteration
// by whatever drives the PWM bus (spec.md §4.2).
func (m *Monitor) Heartbeat() {
	m.mu.Lock()
	armed := m.armed
	hb := m.hb
	m.mu.Unlock()
	if !armed {
		return
	}
	pushToken(hb.write)
}

func (m *Monitor) spawnLocked() error {
	hb, err := newPipePair()
	if err != nil {
		return err
	}
	ack, err := newPipePair()
	if err != nil {
		return err
	}
	shutdown, err := newPipePair()
	if err != nil {
		return err
	}

	cmd := exec.Command(m.spec.Self,
		"-watchdog-child",
		"-main-pid", strconv.Itoa(os.Getpid()),
		"-i2c-bus", strconv.Itoa(m.spec.I2CBus),
		"-i2c-addr", strconv.Itoa(int(m.spec.I2CAddr)),
		"-servo-config", m.spec.ServoConfigPath,
		"-expected-rate", strconv.FormatFloat(m.spec.ExpectedCommandRateHz, 'f', -1, 64),
	)
	// fd 3, 4, 5 in the child, in this order (the ChildConfig fds built in
	// cmd/excavator-server/main.go must agree).
	cmd.ExtraFiles = []*os.File{hb.read, ack.write, shutdown.read}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		hb.read.Close()
		hb.write.Close()
		ack.read.Close()
		ack.write.Close()
		shutdown.read.Close()
		shutdown.write.Close()
		return fmt.Errorf("watchdog: spawn: %w", err)
	}
	// The child inherited its ends via ExtraFiles; the parent no longer
	// needs them open on its side.
	hb.read.Close()
	ack.write.Close()
	shutdown.read.Close()

	m.cmd = cmd
	m.hb = pipePair{write: hb.write}
	m.ack = pipePair{read: ack.read}
	m.shutdown = pipePair{write: shutdown.write}
	m.lastAck = time.Now()
	log.Printf("[watchdog] spawned child pid %d", cmd.Process.Pid)
	return nil
}

func (m *Monitor) closePipesLocked() {
	if m.hb.write != nil {
		m.hb.write.Close()
	}
	if m.ack.read != nil {
		m.ack.read.Close()
	}
	if m.shutdown.write != nil {
		m.shutdown.write.Close()
	}
}

func (m *Monitor) silenceLoop() {
	ticker := time.NewTicker(monitorPoll)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		if !m.armed {
			m.mu.Unlock()
			return
		}
		if consumeToken(m.ack.read) {
			m.lastAck = time.Now()
		}
		silence := time.Since(m.lastAck)
		needsRespawn := silence > tWdSilence
		m.mu.Unlock()

		if needsRespawn {
			log.Printf("[watchdog] silent for %s, respawning", silence.Round(time.Second))
			m.mu.Lock()
			m.closePipesLocked()
			if m.cmd != nil && m.cmd.Process != nil {
				m.cmd.Process.Kill()
			}
			if err := m.spawnLocked(); err != nil {
				log.Printf("[watchdog] respawn failed: %v", err)
			}
			m.mu.Unlock()
		}
	}
}

// rateStarvedFactor and rateRecoveredFactor set when the soft safe state
// engages and when it lifts; rateEwmaAlpha weights the newest interval in
// the EWMA.
const (
	rateStarvedFactor   = 0.5  // implied rate below 50% of expected trips starved
	rateRecoveredFactor = 0.25 // 25% of the required rate re-observed lifts it
	rateEwmaAlpha       = 0.2
)

// ObserveCommand records one driving-loop tick (spec.md §9's resolution of
// "starved": an EWMA of inter-command interval, tripped when the implied
// rate falls under rateStarvedFactor of the expected rate).
func (m *Monitor) ObserveCommand(received bool) {
	m.rateMu.Lock()
	defer m.rateMu.Unlock()
	now := time.Now()
	if !m.lastCommand.IsZero() && received {
		dt := now.Sub(m.lastCommand).Seconds()
		if m.ewmaInterval == 0 {
			m.ewmaInterval = dt
		} else {
			m.ewmaInterval = (1-rateEwmaAlpha)*m.ewmaInterval + rateEwmaAlpha*dt
		}
	}
	if received {
		m.lastCommand = now
	}

	if m.spec.ExpectedCommandRateHz <= 0 || m.ewmaInterval == 0 {
		return
	}
	impliedRate := 1 / m.ewmaInterval
	switch {
	case impliedRate < rateStarvedFactor*m.spec.ExpectedCommandRateHz:
		m.starved = true
	case impliedRate > rateRecoveredFactor*m.spec.ExpectedCommandRateHz:
		m.starved = false
	}
}

// Starved reports whether the input-rate contract is currently violated,
// in which case the caller should drive the PWM driver to its soft safe
// state (center everywhere, pump idle) rather than applying stale or
// sparse commands.
func (m *Monitor) Starved() bool {
	m.rateMu.Lock()
	defer m.rateMu.Unlock()
	return m.starved
}
