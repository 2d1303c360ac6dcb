package coordinator

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/excavator-teleop/server/internal/config"
	"github.com/excavator-teleop/server/internal/control"
	"github.com/excavator-teleop/server/internal/errkind"
	"github.com/excavator-teleop/server/internal/orientation"
	"github.com/excavator-teleop/server/internal/pwm"
	"github.com/excavator-teleop/server/internal/session"
	"github.com/excavator-teleop/server/internal/telemetry"
)

// shutdownGracePeriod is SHUTDOWN_GRACE_PERIOD (spec.md §5/§6): the join
// timeout for any loop goroutine, chosen to exceed 1/MIN_RATE.
const shutdownGracePeriod = 11 * time.Second

// Watchdog is the minimal surface the Coordinator needs from the safety
// watchdog (C2): arm it before Driving starts touching the PWM bus, and
// disarm it on teardown. The concrete *watchdog.Monitor satisfies this.
type Watchdog interface {
	Arm() error
	Disarm()
	Heartbeat()

	// ObserveCommand and Starved implement the monitor's independent
	// input-rate contract enforcement (spec.md §4.2, §9): the driving
	// loop reports each tick, and a sustained implied rate below
	// threshold flips the loop into a soft safe state until recovered.
	ObserveCommand(received bool)
	Starved() bool
}

// PeripheralFactory opens the PWM I²C bus on demand, so the Coordinator
// never holds it open outside an active Driving/Driving+Mirroring
// operation (spec.md §5: "exclusively owned by the main process under
// normal operation").
type PeripheralFactory func() (pwm.Peripheral, error)

// SensorFactory opens the IMU on demand for Mirroring/Driving+Mirroring.
type SensorFactory func() (orientation.Sensor, error)

// Coordinator is the operation state machine (C6) binding the PWM
// Driver, IMU fusion loop, datagram Session, and control channel.
type Coordinator struct {
	mu        sync.Mutex
	operation Operation
	engine    engineState

	host        string
	controlPort int
	localID     uint16
	numChannels int

	registry    *config.Registry
	openPWM     PeripheralFactory
	openSensor  SensorFactory
	watchdog    Watchdog
	recorder    *telemetry.Recorder

	// Active sub-engines; nil when not running. Guarded by mu for
	// assignment, but each runs its own goroutines once started.
	pwmDriver      *pwm.Driver
	imuLoop        *orientation.Loop
	sess           *session.Endpoint
	cancelEngines  context.CancelFunc
	engineDone     chan struct{}
	initiatingConn *control.Conn
}

// New constructs a Coordinator. host/controlPort describe the control
// channel's bind address; the datagram session binds controlPort-1 on
// the same host (spec.md §6).
func New(host string, controlPort int, localID uint16, registry *config.Registry, openPWM PeripheralFactory, openSensor SensorFactory, wd Watchdog, recorder *telemetry.Recorder) *Coordinator {
	return &Coordinator{
		host:        host,
		controlPort: controlPort,
		localID:     localID,
		registry:    registry,
		openPWM:     openPWM,
		openSensor:  openSensor,
		watchdog:    wd,
		recorder:    recorder,
	}
}

// Dispatch implements control.Dispatcher.
func (c *Coordinator) Dispatch(ctx context.Context, conn *control.Conn, action control.Action) control.Response {
	switch a := action.(type) {
	case control.StartMirroringAction:
		return c.handleStart(OperationMirroring, conn, "start_mirroring")
	case control.StopMirroringAction:
		return c.handleStop(OperationMirroring, "stop_mirroring")
	case control.StartDrivingAction:
		return c.handleStart(OperationDriving, conn, "start_driving")
	case control.StopDrivingAction:
		return c.handleStop(OperationDriving, "stop_driving")
	case control.StartDrivingAndMirroringAction:
		return c.handleStart(OperationDrivingAndMirroring, conn, "start_driving_and_mirroring")
	case control.StopDrivingAndMirroringAction:
		return c.handleStop(OperationDrivingAndMirroring, "stop_driving_and_mirroring")
	case control.StartScreenAction:
		return control.Response{Event: "started_screen"}
	case control.StopScreenAction:
		return control.Response{Event: "stopped_screen"}
	case control.ScreenMessageAction:
		return control.Response{Event: "screen_message_displayed", Fields: map[string]interface{}{"message": a.Message}}
	case control.AddPWMChannelAction:
		return c.handleAddChannel(a)
	case control.RemovePWMChannelAction:
		return c.handleRemoveChannel(a)
	case control.SetManualLoadBiasAction:
		return c.handleSetManualLoadBias(a)
	case control.ConfigureAction:
		return c.handleConfigure(a)
	case control.GetConfigAction:
		return c.handleGetConfig(a)
	case control.StatusAction:
		return c.handleStatus(a)
	default:
		return control.ErrorResponse(fmt.Sprintf("unhandled action %q", action.Name()), action.Name())
	}
}

// Shutdown tears down whatever operation is active, for use by main at
// process exit so the PWM bus never goes unattended mid-command.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	op := c.operation
	c.mu.Unlock()
	if op == OperationNone {
		return
	}
	c.teardown()
	c.mu.Lock()
	c.operation = OperationNone
	c.engine = engineIdle
	c.initiatingConn = nil
	c.mu.Unlock()
}

func (c *Coordinator) handleAddChannel(a control.AddPWMChannelAction) control.Response {
	if err := control.ValidateChannelNames([]string{a.Channel.Name}, nil); err != nil {
		return control.ErrorResponse(err.Error(), "add_pwm_channel")
	}
	next := c.registry.PWM.Get()
	for _, ch := range next.Channels {
		if ch.Name == a.Channel.Name || ch.OutputIndex == a.Channel.OutputIndex {
			return control.ErrorResponse(fmt.Sprintf("channel %q or output index %d already in use", a.Channel.Name, a.Channel.OutputIndex), "add_pwm_channel")
		}
	}
	next.Channels = append(next.Channels, a.Channel)
	if err := c.registry.PWM.Replace(next); err != nil {
		return control.ErrorResponse(err.Error(), "add_pwm_channel")
	}
	return control.Response{Event: "configuration", Fields: map[string]interface{}{
		"target": "pwm_controller", "context": "add_pwm_channel", "config": next.ControllerConfig,
	}}
}

func (c *Coordinator) handleRemoveChannel(a control.RemovePWMChannelAction) control.Response {
	next := c.registry.PWM.Get()
	known := make(map[string]bool, len(next.Channels))
	for _, ch := range next.Channels {
		known[ch.Name] = true
	}
	if err := control.ValidateChannelNames([]string{a.ChannelName}, known); err != nil {
		return control.ErrorResponse(err.Error(), "remove_pwm_channel")
	}
	filtered := next.Channels[:0]
	for _, ch := range next.Channels {
		if ch.Name == a.ChannelName {
			continue
		}
		filtered = append(filtered, ch)
	}
	next.Channels = filtered
	if err := c.registry.PWM.Replace(next); err != nil {
		return control.ErrorResponse(err.Error(), "remove_pwm_channel")
	}
	return control.Response{Event: "configuration", Fields: map[string]interface{}{
		"target": "pwm_controller", "context": "remove_pwm_channel", "config": next.ControllerConfig,
	}}
}

// ReloadPWM forwards a validated PWM config replace to the active
// driver, if Driving or Driving+Mirroring is currently running (spec.md
// §4.7: "a successful replace triggers a live reload on the relevant
// component"). A no-op when no driver is active — the new config still
// takes effect the next time an operation opens one.
func (c *Coordinator) ReloadPWM(cfg pwm.ControllerConfig) error {
	c.mu.Lock()
	driver := c.pwmDriver
	c.mu.Unlock()
	if driver == nil {
		return nil
	}
	return driver.ReloadConfig(cfg)
}

// ReloadOrientation forwards a validated orientation config replace to
// the active fusion loop, if Mirroring or Driving+Mirroring is
// currently running. A no-op otherwise, for the same reason as
// ReloadPWM.
func (c *Coordinator) ReloadOrientation(cfg orientation.TrackerConfig) error {
	c.mu.Lock()
	loop := c.imuLoop
	c.mu.Unlock()
	if loop == nil {
		return nil
	}
	return loop.SetConfig(cfg)
}

func (c *Coordinator) handleSetManualLoadBias(a control.SetManualLoadBiasAction) control.Response {
	c.mu.Lock()
	driver := c.pwmDriver
	c.mu.Unlock()
	if driver == nil {
		return control.ErrorResponse("no active PWM driver", "set_manual_load_bias")
	}
	driver.SetManualLoadBias(a.Bias)
	return control.Response{Event: "configuration", Fields: map[string]interface{}{
		"target": "pwm_controller", "context": "set_manual_load_bias", "config": map[string]float64{"manual_load_bias": a.Bias},
	}}
}

func (c *Coordinator) handleConfigure(a control.ConfigureAction) control.Response {
	patch, err := control.NormalizeJSON(a.Patch)
	if err != nil {
		return control.ErrorResponse(err.Error(), string(a.Subject))
	}

	var cfg interface{}
	switch a.Subject {
	case control.SubjectPWM:
		cfg, err = c.registry.PWM.UpdateFromJSON(patch)
	case control.SubjectOrientation:
		cfg, err = c.registry.Orientation.UpdateFromJSON(patch)
	case control.SubjectScreen:
		cfg, err = c.registry.Screen.UpdateFromJSON(patch)
	case control.SubjectExcavator:
		cfg, err = c.registry.Excavator.UpdateFromJSON(patch)
	default:
		return control.ErrorResponse(fmt.Sprintf("unknown config subject %q", a.Subject), string(a.Subject))
	}
	if err != nil {
		return control.ErrorResponse(err.Error(), string(a.Subject))
	}
	return control.ConfigurationResponse(string(a.Subject), "configure", cfg)
}

func (c *Coordinator) handleGetConfig(a control.GetConfigAction) control.Response {
	var cfg interface{}
	switch a.Subject {
	case control.SubjectPWM:
		cfg = c.registry.PWM.Get()
	case control.SubjectOrientation:
		cfg = c.registry.Orientation.Get()
	case control.SubjectScreen:
		cfg = c.registry.Screen.Get()
	case control.SubjectExcavator:
		cfg = c.registry.Excavator.Get()
	default:
		return control.ErrorResponse(fmt.Sprintf("unknown config subject %q", a.Subject), string(a.Subject))
	}
	return control.ConfigurationResponse(string(a.Subject), "get", cfg)
}

func (c *Coordinator) handleStatus(a control.StatusAction) control.Response {
	switch a.Target {
	case control.StatusCoordinator:
		c.mu.Lock()
		op, engine := c.operation, c.engine
		c.mu.Unlock()
		return control.Response{Event: "status", Fields: map[string]interface{}{
			"target": "coordinator", "operation": op.String(), "engine": engine.String(),
		}}
	case control.StatusPWM:
		c.mu.Lock()
		driver := c.pwmDriver
		c.mu.Unlock()
		if driver == nil {
			return control.Response{Event: "status", Fields: map[string]interface{}{"target": "pwm", "running": false}}
		}
		return control.Response{Event: "status", Fields: map[string]interface{}{"target": "pwm", "running": true}}
	case control.StatusSession:
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		if sess == nil {
			return control.Response{Event: "status", Fields: map[string]interface{}{"target": "session", "running": false}}
		}
		return control.Response{Event: "status", Fields: map[string]interface{}{"target": "session", "stats": sess.Status()}}
	case control.StatusOrientation:
		c.mu.Lock()
		loop := c.imuLoop
		c.mu.Unlock()
		if loop == nil {
			return control.Response{Event: "status", Fields: map[string]interface{}{"target": "orientation", "running": false}}
		}
		return control.Response{Event: "status", Fields: map[string]interface{}{
			"target": "orientation", "running": true, "sample": loop.Latest(), "missed_deadlines": loop.MissedDeadlines(),
		}}
	default:
		return control.ErrorResponse(fmt.Sprintf("unknown status target %q", a.Target), string(a.Target))
	}
}

// handleStart runs the three-step transition guard from spec.md §4.6
// under the Coordinator's global lock, then performs the (blocking)
// transition outside the lock.
func (c *Coordinator) handleStart(op Operation, conn *control.Conn, context string) control.Response {
	c.mu.Lock()
	if err := c.transitionGuard(op, context); err != nil {
		c.mu.Unlock()
		return control.ErrorResponse(err.Error(), context)
	}
	c.initiatingConn = conn
	c.mu.Unlock()

	var err error
	switch op {
	case OperationMirroring:
		err = c.startMirroring(conn)
	case OperationDriving:
		err = c.startDriving(conn)
	case OperationDrivingAndMirroring:
		err = c.startDrivingAndMirroring(conn)
	}

	c.mu.Lock()
	if err != nil {
		c.operation = OperationNone
		c.engine = engineIdle
		c.mu.Unlock()
		return control.ErrorResponse(err.Error(), context)
	}
	c.engine = engineRunning
	c.mu.Unlock()

	if conn != nil {
		conn.OnClose(func() { c.onConnectionLost(op) })
	}
	eventName := map[Operation]string{
		OperationMirroring:           "started_mirroring",
		OperationDriving:             "started_driving",
		OperationDrivingAndMirroring: "started_driving_and_mirroring",
	}[op]
	return control.Response{Event: eventName}
}

func (c *Coordinator) handleStop(op Operation, context string) control.Response {
	c.mu.Lock()
	if err := c.stopGuard(op, context); err != nil {
		c.mu.Unlock()
		return control.ErrorResponse(err.Error(), context)
	}
	c.mu.Unlock()

	c.teardown()

	c.mu.Lock()
	c.operation = OperationNone
	c.engine = engineIdle
	c.initiatingConn = nil
	c.mu.Unlock()

	eventName := map[Operation]string{
		OperationMirroring:           "stopped_mirroring",
		OperationDriving:             "stopped_driving",
		OperationDrivingAndMirroring: "stopped_driving_and_mirroring",
	}[op]
	return control.Response{Event: eventName}
}

// onConnectionLost runs the stop transition as if an explicit stop_*
// had been received (spec.md §4.5: "client disconnection triggers
// Coordinator cleanup as if an explicit stop were received").
func (c *Coordinator) onConnectionLost(op Operation) {
	c.mu.Lock()
	if c.operation != op || c.engine != engineRunning {
		c.mu.Unlock()
		return
	}
	c.engine = engineStopping
	c.mu.Unlock()

	c.teardown()

	c.mu.Lock()
	c.operation = OperationNone
	c.engine = engineIdle
	c.initiatingConn = nil
	c.mu.Unlock()
}

// onFatal runs the stop transition for whichever operation is active in
// response to a sub-engine's fatal error, classified via errkind
// (spec.md §7).
func (c *Coordinator) onFatal(err error) {
	if !errkind.IsFatal(err) {
		log.Printf("[coordinator] transient error: %v", err)
		return
	}
	log.Printf("[coordinator] fatal error, tearing down active operation: %v", err)

	c.mu.Lock()
	op := c.operation
	if op == OperationNone || c.engine == engineStopping {
		c.mu.Unlock()
		return
	}
	c.engine = engineStopping
	c.mu.Unlock()

	c.teardown()

	c.mu.Lock()
	c.operation = OperationNone
	c.engine = engineIdle
	conn := c.initiatingConn
	c.initiatingConn = nil
	c.mu.Unlock()

	if conn != nil {
		eventName := map[Operation]string{
			OperationMirroring:           "stopped_mirroring",
			OperationDriving:             "stopped_driving",
			OperationDrivingAndMirroring: "stopped_driving_and_mirroring",
		}[op]
		conn.Send(eventName, map[string]interface{}{"reason": err.Error()})
	}
}

// datagramAddr returns the UDP bind address for the Session: same host,
// port = control_port - 1 (spec.md §6).
func (c *Coordinator) datagramAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(c.host, strconv.Itoa(c.controlPort-1)))
}

func (c *Coordinator) teardown() {
	c.mu.Lock()
	cancel := c.cancelEngines
	done := c.engineDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(shutdownGracePeriod):
			log.Printf("[coordinator] engine goroutines did not exit within %s", shutdownGracePeriod)
		}
	}

	c.mu.Lock()
	sess := c.sess
	driver := c.pwmDriver
	c.sess = nil
	c.imuLoop = nil
	c.pwmDriver = nil
	c.cancelEngines = nil
	c.engineDone = nil
	c.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if driver != nil {
		driver.Reset(true)
		driver.Close()
	}
	if c.watchdog != nil {
		c.watchdog.Disarm()
	}
}
