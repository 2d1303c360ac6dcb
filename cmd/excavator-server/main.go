package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/excavator-teleop/server/internal/config"
	"github.com/excavator-teleop/server/internal/control"
	"github.com/excavator-teleop/server/internal/coordinator"
	"github.com/excavator-teleop/server/internal/orientation"
	"github.com/excavator-teleop/server/internal/orientation/lsm6"
	"github.com/excavator-teleop/server/internal/pwm"
	"github.com/excavator-teleop/server/internal/pwm/pca9685"
	"github.com/excavator-teleop/server/internal/pwm/pwmsim"
	"github.com/excavator-teleop/server/internal/telemetry"
	"github.com/excavator-teleop/server/internal/watchdog"
)

func main() {
	watchdogChild := flag.Bool("watchdog-child", false, "internal: run as the re-exec'd safety watchdog process")
	mainPID := flag.Int("main-pid", 0, "internal: main process pid (watchdog-child only)")
	wdI2CBus := flag.Int("i2c-bus", 1, "I²C bus number for the PWM peripheral")
	wdI2CAddr := flag.Int("i2c-addr", 0x40, "I²C address for the PWM peripheral")
	servoConfigPath := flag.String("servo-config", "", "path to servo_config.yaml (watchdog-child only)")
	expectedRate := flag.Float64("expected-rate", 0, "expected command rate in Hz, for T_wd sizing")

	entryPoint := flag.String("config", "/etc/excavator-server", "entry point directory holding config/")
	listenAddr := flag.String("listen", "0.0.0.0:5432", "control channel listen address (host:port); the datagram session binds port-1")
	imuI2CBus := flag.Int("imu-i2c-bus", 1, "I²C bus number for the IMU")
	imuI2CAddr := flag.Int("imu-i2c-addr", 0x6a, "I²C address for the IMU")
	localID := flag.Int("local-id", 1, "local_id announced in the datagram session handshake")
	demo := flag.Bool("demo", false, "use an in-memory simulated PWM peripheral and IMU instead of real hardware")
	telemetryEnabled := flag.Bool("telemetry", false, "record PWM/orientation/session snapshots to rotating CSV files")
	telemetryDir := flag.String("telemetry-dir", "/var/log/excavator-server", "directory for telemetry CSV files")
	flag.Parse()

	if *watchdogChild {
		log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
		err := watchdog.RunChild(watchdog.ChildConfig{
			MainPID:               *mainPID,
			I2CBus:                *wdI2CBus,
			I2CAddr:               uint8(*wdI2CAddr),
			ServoConfigPath:       *servoConfigPath,
			ExpectedCommandRateHz: *expectedRate,
			HeartbeatFD:           3,
			AckFD:                 4,
			ShutdownFD:            5,
		})
		if err != nil {
			log.Fatalf("[watchdog] %v", err)
		}
		return
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] excavator control server starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// coord is assigned after the Coordinator is constructed below; the
	// reloaders close over the variable rather than its value so a
	// configure_* patch that arrives once the server is running can
	// still reach whichever driver/loop is active (spec.md §4.7: "a
	// successful replace triggers a live reload on the relevant
	// component").
	var coord *coordinator.Coordinator
	reloaders := config.Reloaders{
		PWM: func(cfg pwm.ControllerConfig) error {
			if coord == nil {
				return nil
			}
			return coord.ReloadPWM(cfg)
		},
		Orientation: func(cfg orientation.TrackerConfig) error {
			if coord == nil {
				return nil
			}
			return coord.ReloadOrientation(cfg)
		},
	}

	registry, err := config.New(*entryPoint, defaultConfigs(), reloaders)
	if err != nil {
		log.Fatalf("[main] load config: %v", err)
	}

	var openPWM coordinator.PeripheralFactory
	var openSensor coordinator.SensorFactory
	var wd coordinator.Watchdog

	if *demo {
		log.Println("[main] -demo: using simulated PWM peripheral and IMU")
		openPWM = func() (pwm.Peripheral, error) { return pwmsim.New(), nil }
		openSensor = func() (orientation.Sensor, error) { return orientation.NewFakeSensor(), nil }
	} else {
		openPWM = func() (pwm.Peripheral, error) { return pca9685.Open(*wdI2CBus, uint8(*wdI2CAddr)) }
		openSensor = func() (orientation.Sensor, error) { return lsm6.Open(*imuI2CBus, uint8(*imuI2CAddr)) }

		self, err := os.Executable()
		if err != nil {
			log.Fatalf("[main] resolve executable path: %v", err)
		}
		monitor := watchdog.NewMonitor(watchdog.Spec{
			Self:                  self,
			I2CBus:                *wdI2CBus,
			I2CAddr:               uint8(*wdI2CAddr),
			ServoConfigPath:       filepath.Join(*entryPoint, "config", "servo_config.yaml"),
			ExpectedCommandRateHz: control.DrivingCommandMaxRateHz,
		})
		wd = monitor
	}

	recorder := telemetry.New(telemetry.Config{Enabled: *telemetryEnabled, Path: *telemetryDir, IntervalMs: 100})
	defer recorder.Close()

	coord = coordinator.New(hostOf(*listenAddr), portOf(*listenAddr), uint16(*localID), registry, openPWM, openSensor, wd, recorder)

	srv := control.NewServer(*listenAddr, coord, 4, 64)

	log.Printf("[main] control channel on %s, datagram session on port %d", *listenAddr, portOf(*listenAddr)-1)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] control server exited: %v", err)
	}
	coord.Shutdown()
	log.Println("[main] shutdown complete")
}

func defaultConfigs() struct {
	PWM         pwm.ControllerConfig
	Orientation orientation.TrackerConfig
	Screen      config.ScreenConfig
	Excavator   config.ExcavatorConfig
} {
	return struct {
		PWM         pwm.ControllerConfig
		Orientation orientation.TrackerConfig
		Screen      config.ScreenConfig
		Excavator   config.ExcavatorConfig
	}{
		PWM: pwm.ControllerConfig{
			PWMFrequencyHz: 50,
			Pump:           pwm.PumpConfig{OutputIndex: 0, PulseMinUs: 1000, PulseMaxUs: 2000, Idle: 0, Multiplier: 0.3},
			Channels: []pwm.ChannelConfig{
				{Name: "boom", OutputIndex: 1, PulseMinUs: 1000, PulseMaxUs: 2000, CenterUs: 1500, Direction: 1, Gamma: 1.4, DeadzonePct: 3, AffectsPump: true, Toggleable: true},
				{Name: "stick", OutputIndex: 2, PulseMinUs: 1000, PulseMaxUs: 2000, CenterUs: 1500, Direction: 1, Gamma: 1.4, DeadzonePct: 3, AffectsPump: true, Toggleable: true},
				{Name: "bucket", OutputIndex: 3, PulseMinUs: 1000, PulseMaxUs: 2000, CenterUs: 1500, Direction: 1, Gamma: 1.4, DeadzonePct: 3, AffectsPump: true, Toggleable: true},
				{Name: "swing", OutputIndex: 4, PulseMinUs: 1000, PulseMaxUs: 2000, CenterUs: 1500, Direction: 1, Gamma: 1.2, DeadzonePct: 3, AffectsPump: true, Toggleable: true},
				{Name: "track_left", OutputIndex: 5, PulseMinUs: 1000, PulseMaxUs: 2000, CenterUs: 1500, Direction: 1, Gamma: 1, DeadzonePct: 5, AffectsPump: false, Toggleable: true},
				{Name: "track_right", OutputIndex: 6, PulseMinUs: 1000, PulseMaxUs: 2000, CenterUs: 1500, Direction: 1, Gamma: 1, DeadzonePct: 5, AffectsPump: false, Toggleable: true},
			},
		},
		Orientation: orientation.TrackerConfig{
			GyroDataRateHz: 104, AccelDataRateHz: 104, GyroRangeDps: 250, AccelRangeG: 2,
			TrackingRateHz: 50, EnableLPF2: true, Format: orientation.FormatEulerDegrees,
		},
		Screen:    config.ScreenConfig{RenderTime: 1, FontSizeHeader: 14, FontSizeBody: 10},
		Excavator: config.ExcavatorConfig{HasScreen: false},
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "0.0.0.0"
	}
	return host
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 5432
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 5432
	}
	return port
}
