package service

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dasmlab/textbundle/pkg/queue"
)

// SpawnConfig configures the detached worker launcher.
type SpawnConfig struct {
	// Executable is the textbundle binary. Default: os.Executable().
	Executable string
	// BaseArgs precede the "worker" subcommand, e.g. --config.
	BaseArgs []string
	// Seconds is how long the spawned worker runs. Default: 20.
	Seconds int
	// Batch is the batch size of the spawned worker. Default: 25.
	Batch int
	// Throttle is the minimum gap between spawns for the same scope.
	// Default: 30s.
	Throttle time.Duration
}

// Spawner starts short-lived `textbundle worker` subprocesses biased to a
// scope, so that a bundle request that left work behind gets it done soon
// without waiting for the next cron tick. At most one spawn per scope is
// started per throttle window.
type Spawner struct {
	cfg    SpawnConfig
	logger *logrus.Logger
	now    func() time.Time
	start  func(*exec.Cmd) error

	mu   sync.Mutex
	last map[queue.Scope]time.Time
}

// NewSpawner creates a Spawner.
func NewSpawner(cfg SpawnConfig, logger *logrus.Logger) (*Spawner, error) {
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("service: resolve executable: %w", err)
		}
		cfg.Executable = exe
	}
	if cfg.Seconds <= 0 {
		cfg.Seconds = 20
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 25
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Spawner{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		start:  startDetached,
		last:   make(map[queue.Scope]time.Time),
	}, nil
}

// Args returns the command line of a worker for scope.
func (s *Spawner) Args(scope queue.Scope) []string {
	args := append([]string(nil), s.cfg.BaseArgs...)
	args = append(args, "worker",
		"--lang", scope.TargetLang,
		"--client", scope.ClientCode,
		"--type", scope.ResourceType,
		"--subject", scope.Subject,
		"--variant", scope.Variant,
		"--seconds", strconv.Itoa(s.cfg.Seconds),
		"--batch", strconv.Itoa(s.cfg.Batch),
	)
	return args
}

// Spawn starts a worker for scope unless one was started within the
// throttle window. It reports whether a process was started.
func (s *Spawner) Spawn(scope queue.Scope) (bool, error) {
	s.mu.Lock()
	now := s.now()
	if last, ok := s.last[scope]; ok && now.Sub(last) < s.cfg.Throttle {
		s.mu.Unlock()
		workerSpawnsTotal.WithLabelValues("throttled").Inc()
		return false, nil
	}
	s.last[scope] = now
	s.mu.Unlock()

	cmd := exec.Command(s.cfg.Executable, s.Args(scope)...)
	if err := s.start(cmd); err != nil {
		workerSpawnsTotal.WithLabelValues("error").Inc()
		s.mu.Lock()
		delete(s.last, scope)
		s.mu.Unlock()
		return false, fmt.Errorf("service: spawn worker: %w", err)
	}

	workerSpawnsTotal.WithLabelValues("started").Inc()
	s.logger.WithFields(logrus.Fields{
		"target":  scope.TargetLang,
		"client":  scope.ClientCode,
		"type":    scope.ResourceType,
		"subject": scope.Subject,
		"variant": scope.Variant,
	}).Info("Spawned async queue worker")
	return true, nil
}

// startDetached starts cmd without tying its output to ours and reaps it in
// the background.
func startDetached(cmd *exec.Cmd) error {
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}
