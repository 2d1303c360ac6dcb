package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/excavator-teleop/server/internal/control"
	"github.com/excavator-teleop/server/internal/errkind"
	"github.com/excavator-teleop/server/internal/orientation"
	"github.com/excavator-teleop/server/internal/pwm"
	"github.com/excavator-teleop/server/internal/session"
	"github.com/excavator-teleop/server/internal/telemetry"
)

// telemetryRateHz is how often a running operation's snapshot is offered
// to the recorder; the recorder's own interval gating decides whether it
// actually gets written.
const telemetryRateHz = 10.0

// sessionHandshakeTimeout bounds how long Start* waits for the remote
// operator's datagram-session handshake before giving up (spec.md §4.4).
const sessionHandshakeTimeout = 5 * time.Second

// sessionMaxAge is the freshness window GetLatest enforces on both the
// mirroring and driving sessions; a command older than this is treated
// as stale rather than replayed (spec.md §4.4's freshness-gating note).
const sessionMaxAge = 250 * time.Millisecond

// drivingReceiveRateHz is the Driving/Driving+Mirroring command-apply
// cadence, capped at control.DrivingCommandMaxRateHz (spec.md §4.1's
// "apply_commands runs no faster than the configured rate").
const drivingReceiveRateHz = 20.0

func sampleValues(s orientation.Sample) []float64 {
	if s.Format == orientation.FormatQuaternion {
		return s.Quat[:]
	}
	return s.Euler[:]
}

// mirroringNumOutputs resolves the datagram session's num_outputs from the
// orientation config's chosen Format: three floats for either Euler
// representation, four for quaternion. spec.md §4.6 names a fixed 3;
// this generalizes it so a quaternion-format tracker doesn't truncate its
// own output (recorded as an Open Question resolution in DESIGN.md).
func mirroringNumOutputs(format orientation.Format) int {
	if format == orientation.FormatQuaternion {
		return 4
	}
	return 3
}

func (c *Coordinator) openSessionSocket() (*net.UDPConn, error) {
	addr, err := c.datagramAddr()
	if err != nil {
		return nil, fmt.Errorf("coordinator: resolve datagram address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: bind datagram socket: %w", err)
	}
	return conn, nil
}

// runEngines launches the given background loops under a single
// cancellable context, recording the cancel func and a done channel the
// Coordinator's teardown waits on. Each loop's error, if non-nil, is
// routed through onFatal exactly like the teacher's pollLoop sub-tickers
// reporting failures to the owning Server. A loop only returns an error
// when it has stopped abnormally, so an error that carries no errkind
// classification is treated as SubsystemFatal.
func (c *Coordinator) runEngines(loops ...func(context.Context) error) (context.CancelFunc, chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, loop := range loops {
		loop := loop
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop(ctx); err != nil {
				var classified *errkind.Error
				if !errkind.As(err, &classified) {
					err = errkind.New(errkind.SubsystemFatal, "engine", err)
				}
				// onFatal runs teardown(), which waits on done below —
				// waiting here would block this goroutine's own
				// wg.Done(), so done could never close and teardown
				// would stall for the full shutdownGracePeriod on every
				// fatal error. Handing it to its own goroutine lets
				// this one exit immediately.
				go c.onFatal(err)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return cancel, done
}

func (c *Coordinator) startMirroring(conn *control.Conn) error {
	sensor, err := c.openSensor()
	if err != nil {
		return fmt.Errorf("coordinator: open IMU: %w", err)
	}
	trackerCfg := c.registry.Orientation.Get()
	loop := orientation.NewLoop(sensor, trackerCfg.TrackerConfig)

	udpConn, err := c.openSessionSocket()
	if err != nil {
		return err
	}
	numOutputs := mirroringNumOutputs(trackerCfg.Format)
	sess := session.NewServer(udpConn, session.Config{
		LocalID: c.localID, NumOutputs: numOutputs, NumInputs: 0,
		SendType: session.Float64, MaxAge: sessionMaxAge, HandshakeTimeout: sessionHandshakeTimeout,
	}, c.onFatal)

	hctx, hcancel := context.WithTimeout(context.Background(), sessionHandshakeTimeout)
	err = sess.Handshake(hctx)
	hcancel()
	if err != nil {
		udpConn.Close()
		return err
	}

	cancel, done := c.runEngines(
		loop.Run,
		sess.Run,
		func(ctx context.Context) error { return c.mirroringSenderLoop(ctx, loop, sess, trackerCfg.TrackingRateHz) },
		c.telemetryLoop,
	)

	c.mu.Lock()
	c.imuLoop = loop
	c.sess = sess
	c.cancelEngines = cancel
	c.engineDone = done
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) mirroringSenderLoop(ctx context.Context, loop *orientation.Loop, sess *session.Endpoint, rateHz float64) error {
	rate := rateHz
	if rate <= 0 || rate > control.MirroringSendMaxRateHz {
		rate = control.MirroringSendMaxRateHz
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		deadline := time.Now().Add(time.Duration(float64(time.Second) / rate))

		sample := loop.Latest()
		if err := sess.Send(sampleValues(sample)); err != nil {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			continue
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Coordinator) startDriving(conn *control.Conn) error {
	periph, err := c.openPWM()
	if err != nil {
		return fmt.Errorf("coordinator: open PWM peripheral: %w", err)
	}
	servoCfg := c.registry.PWM.Get()
	driver, err := pwm.NewDriver(servoCfg.ControllerConfig, periph)
	if err != nil {
		periph.Close()
		return err
	}
	channelNames := driver.ChannelNames()

	udpConn, err := c.openSessionSocket()
	if err != nil {
		driver.Close()
		return err
	}
	sess := session.NewServer(udpConn, session.Config{
		LocalID: c.localID, NumOutputs: 0, NumInputs: len(channelNames),
		SendType: session.Float64, MaxAge: sessionMaxAge, HandshakeTimeout: sessionHandshakeTimeout,
	}, c.onFatal)

	hctx, hcancel := context.WithTimeout(context.Background(), sessionHandshakeTimeout)
	err = sess.Handshake(hctx)
	hcancel()
	if err != nil {
		udpConn.Close()
		driver.Close()
		return err
	}

	if c.watchdog != nil {
		if err := c.watchdog.Arm(); err != nil {
			udpConn.Close()
			driver.Close()
			return fmt.Errorf("coordinator: arm watchdog: %w", err)
		}
	}

	cancel, done := c.runEngines(
		sess.Run,
		func(ctx context.Context) error { return c.drivingReceiverLoop(ctx, driver, sess, channelNames) },
		c.telemetryLoop,
	)

	c.mu.Lock()
	c.pwmDriver = driver
	c.sess = sess
	c.cancelEngines = cancel
	c.engineDone = done
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) drivingReceiverLoop(ctx context.Context, driver *pwm.Driver, sess *session.Endpoint, channelNames []string) error {
	rate := drivingReceiveRateHz
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		deadline := time.Now().Add(time.Duration(float64(time.Second) / rate))

		values, fresh := sess.GetLatest()
		if c.watchdog != nil {
			c.watchdog.ObserveCommand(fresh)
		}

		commands := make(map[string]float64, len(channelNames))
		starved := c.watchdog != nil && c.watchdog.Starved()
		if fresh && !starved && len(values) == len(channelNames) {
			for i, name := range channelNames {
				commands[name] = values[i]
			}
		}
		if c.watchdog != nil {
			c.watchdog.Heartbeat()
		}
		if err := driver.ApplyCommands(commands, true, nil); err != nil {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			continue
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Coordinator) startDrivingAndMirroring(conn *control.Conn) error {
	sensor, err := c.openSensor()
	if err != nil {
		return fmt.Errorf("coordinator: open IMU: %w", err)
	}
	trackerCfg := c.registry.Orientation.Get()
	loop := orientation.NewLoop(sensor, trackerCfg.TrackerConfig)

	periph, err := c.openPWM()
	if err != nil {
		return fmt.Errorf("coordinator: open PWM peripheral: %w", err)
	}
	servoCfg := c.registry.PWM.Get()
	driver, err := pwm.NewDriver(servoCfg.ControllerConfig, periph)
	if err != nil {
		periph.Close()
		return err
	}
	channelNames := driver.ChannelNames()

	udpConn, err := c.openSessionSocket()
	if err != nil {
		driver.Close()
		return err
	}
	numOutputs := mirroringNumOutputs(trackerCfg.Format)
	sess := session.NewServer(udpConn, session.Config{
		LocalID: c.localID, NumOutputs: numOutputs, NumInputs: len(channelNames),
		SendType: session.Float64, MaxAge: sessionMaxAge, HandshakeTimeout: sessionHandshakeTimeout,
	}, c.onFatal)

	hctx, hcancel := context.WithTimeout(context.Background(), sessionHandshakeTimeout)
	err = sess.Handshake(hctx)
	hcancel()
	if err != nil {
		udpConn.Close()
		driver.Close()
		return err
	}

	if c.watchdog != nil {
		if err := c.watchdog.Arm(); err != nil {
			udpConn.Close()
			driver.Close()
			return fmt.Errorf("coordinator: arm watchdog: %w", err)
		}
	}

	cancel, done := c.runEngines(
		loop.Run,
		sess.Run,
		func(ctx context.Context) error { return c.mirroringSenderLoop(ctx, loop, sess, trackerCfg.TrackingRateHz) },
		func(ctx context.Context) error { return c.drivingReceiverLoop(ctx, driver, sess, channelNames) },
		c.telemetryLoop,
	)

	c.mu.Lock()
	c.imuLoop = loop
	c.pwmDriver = driver
	c.sess = sess
	c.cancelEngines = cancel
	c.engineDone = done
	c.mu.Unlock()
	return nil
}

// telemetryLoop samples whatever sub-engines are currently live and
// offers a snapshot to the recorder at telemetryRateHz. It runs
// alongside every operation; the recorder itself decides whether its
// configured interval has elapsed and is a no-op when disabled.
func (c *Coordinator) telemetryLoop(ctx context.Context) error {
	if c.recorder == nil {
		return nil
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / telemetryRateHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.recorder.Record(c.snapshot())
		}
	}
}

func (c *Coordinator) snapshot() telemetry.Snapshot {
	c.mu.Lock()
	op := c.operation
	driver := c.pwmDriver
	loop := c.imuLoop
	sess := c.sess
	c.mu.Unlock()

	snap := telemetry.Snapshot{Operation: op.String()}

	if driver != nil {
		snap.PumpPulse = driver.LastPumpPulse()
		snap.Channels = make(map[string]float64, len(driver.ChannelNames()))
		for _, name := range driver.ChannelNames() {
			if pulse, ok := driver.LastPulse(name); ok {
				snap.Channels[name] = pulse
			}
		}
	}
	if loop != nil {
		sample := loop.Latest()
		snap.HasOrient = true
		snap.OrientFmt = string(sample.Format)
		snap.Euler = sample.Euler
		snap.Quat = sample.Quat
	}
	if sess != nil {
		stats := sess.Status()
		snap.HasSession = true
		snap.PacketsIn = stats.PacketsReceived
		snap.PacketsOut = stats.PacketsSent
	}
	return snap
}
