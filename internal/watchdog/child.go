package watchdog

import (
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/excavator-teleop/server/internal/pwm"
	"github.com/excavator-teleop/server/internal/pwm/pca9685"
)

// ChildConfig is everything the re-exec'd watchdog process needs, passed
// entirely through command-line flags and inherited file descriptors —
// never through shared memory or Go closures, since it is a genuinely
// separate OS process (spec.md §4.2).
type ChildConfig struct {
	MainPID               int
	I2CBus                int
	I2CAddr               uint8
	ServoConfigPath       string
	ExpectedCommandRateHz float64 // 0 disables rate-based T_wd shrinking
	HeartbeatFD           int     // pwm→wd, read end
	AckFD                 int     // wd→pwm, write end
	ShutdownFD            int     // read end
}

// tWdSilenceFloor is T_wd's floor when rate monitoring is off or the
// configured rate would otherwise push T_wd below a sane minimum
// (spec.md §4.2: "clamped to a minimum of 10 s").
const tWdSilenceFloor = 10 * time.Second

func tWd(expectedRateHz float64) time.Duration {
	if expectedRateHz <= 0 {
		return tWdSilenceFloor
	}
	d := time.Duration(float64(time.Second) * 10 / expectedRateHz)
	if d < tWdSilenceFloor {
		return tWdSilenceFloor
	}
	return d
}

// RunChild is the watchdog process's entire lifetime: wake every T_wd/2,
// check for shutdown, check the main PID, consume at most one heartbeat
// token, and declare the main process unresponsive if T_wd has elapsed
// with no token. It returns only once it has exited the wake loop (via
// shutdown token, dead main PID, or timeout) and completed whatever
// safe-state recovery that required.
func RunChild(cfg ChildConfig) error {
	hbRead := os.NewFile(uintptr(cfg.HeartbeatFD), "watchdog-heartbeat-read")
	ackWrite := os.NewFile(uintptr(cfg.AckFD), "watchdog-ack-write")
	shutdownRead := os.NewFile(uintptr(cfg.ShutdownFD), "watchdog-shutdown-read")
	defer hbRead.Close()
	defer ackWrite.Close()
	defer shutdownRead.Close()

	interval := tWd(cfg.ExpectedCommandRateHz)
	wake := interval / 2
	lastHeartbeat := time.Now()

	log.Printf("[watchdog] started for main pid %d, T_wd=%s", cfg.MainPID, interval)

	ticker := time.NewTicker(wake)
	defer ticker.Stop()

	for range ticker.C {
		if consumeToken(shutdownRead) {
			log.Printf("[watchdog] shutdown token received, exiting cleanly")
			return nil
		}

		if !pidAlive(cfg.MainPID) {
			log.Printf("[watchdog] main process pid %d is no longer alive", cfg.MainPID)
			return safeState(cfg)
		}

		if consumeToken(hbRead) {
			lastHeartbeat = time.Now()
			pushToken(ackWrite)
		}

		if time.Since(lastHeartbeat) > interval {
			log.Printf("[watchdog] no heartbeat for %s (T_wd=%s), entering safe state", time.Since(lastHeartbeat).Round(time.Millisecond), interval)
			return safeState(cfg)
		}
	}
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// safeState implements spec.md §4.2's recovery algorithm: kill the main
// process (it may be holding the bus), wait briefly for the kernel to
// release it, then re-initialize the PWM peripheral and center every
// channel, retrying up to 3 times before giving up.
func safeState(cfg ChildConfig) error {
	if pidAlive(cfg.MainPID) {
		log.Printf("[watchdog] killing main process pid %d", cfg.MainPID)
		unix.Kill(cfg.MainPID, unix.SIGKILL)
	}
	time.Sleep(500 * time.Millisecond)

	servoCfg, err := loadServoConfig(cfg.ServoConfigPath)
	if err != nil {
		return fmt.Errorf("watchdog: safe state: load servo config: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := recoverOnce(cfg, servoCfg); err != nil {
			lastErr = err
			log.Printf("[watchdog] safe-state attempt %d/3 failed: %v", attempt, err)
			time.Sleep(time.Duration(attempt) * 250 * time.Millisecond)
			continue
		}
		log.Printf("[watchdog] safe state reached: all channels centered, pump at idle minimum")
		return nil
	}
	return fmt.Errorf("watchdog: safe state: exhausted retries: %w", lastErr)
}

func recoverOnce(cfg ChildConfig, servoCfg pwm.ControllerConfig) error {
	bus, err := pca9685.Open(cfg.I2CBus, cfg.I2CAddr)
	if err != nil {
		return fmt.Errorf("open pca9685: %w", err)
	}
	defer bus.Close()

	driver, err := pwm.NewDriver(servoCfg, bus)
	if err != nil {
		return fmt.Errorf("construct driver: %w", err)
	}
	return driver.Reset(true)
}

func loadServoConfig(path string) (pwm.ControllerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pwm.ControllerConfig{}, err
	}
	var cfg pwm.ControllerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return pwm.ControllerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return pwm.ControllerConfig{}, err
	}
	return cfg, nil
}
