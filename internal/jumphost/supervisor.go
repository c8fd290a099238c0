// Package jumphost supervises an external ssh child process that
// maintains a local-forward tunnel from a local port to a remote target
// via an intermediate sshd host.
package jumphost

import (
	"bufio"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/rs/zerolog"

	"github.com/portfan/portfan/internal/endpoint"
)

// Config describes one jump-host tunnel. It is shared by every upstream
// when a jump host is configured; the local port, which is unique per
// upstream, is passed separately to New and Args.
type Config struct {
	SSHD              endpoint.Endpoint
	TargetServer      endpoint.Endpoint
	User              string
	CredentialsFile   string
	Compression       bool
	Ciphers           string
	SSHBinary         string
	OpenAllInterfaces bool
}

// State is one of the supervisor's lifecycle states.
type State int

const (
	Idle State = iota
	Starting
	Running
	Exited
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// run's backoff is built with NewWithoutJitter so the ≥1s floor and the
// 30s cap are both guaranteed on every attempt; backoff.New's default
// full-jitter mode would let Duration() return values arbitrarily close
// to zero, defeating the floor.

// Supervisor owns one child ssh process forwarding LocalPort to
// Config.TargetServer via Config.SSHD.
type Supervisor struct {
	config    Config
	localPort int32
	logger    zerolog.Logger

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	stop  chan struct{}
	once  sync.Once
	done  chan struct{}
}

// New constructs a Supervisor for the given config and local port. The
// child is not started until Start is called.
func New(cfg Config, localPort int32, logger zerolog.Logger) *Supervisor {
	if cfg.SSHBinary == "" {
		cfg.SSHBinary = "ssh"
	}
	return &Supervisor{
		config:    cfg,
		localPort: localPort,
		logger:    logger.With().Str("component", "jumphost").Int32("local_port", localPort).Logger(),
		state:     Idle,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Args builds the ssh argv in the documented flag order.
func (c Config) Args(localPort int32) []string {
	var args []string
	if c.CredentialsFile != "" {
		args = append(args, "-i", c.CredentialsFile)
	}
	args = append(args, "-n", "-N")

	bind := ""
	if c.OpenAllInterfaces {
		bind = "*:"
	}
	forward := fmt.Sprintf("%s%d:%s:%d", bind, localPort, c.TargetServer.Host, c.TargetServer.Port)
	args = append(args, "-L", forward)

	if c.User != "" {
		args = append(args, "-l", c.User)
	}
	if c.SSHD.Port != endpoint.Unspecified {
		args = append(args, "-p", strconv.Itoa(int(c.SSHD.Port)))
	}
	if c.Compression {
		args = append(args, "-C")
	}
	if c.Ciphers != "" {
		args = append(args, "-c", c.Ciphers)
	}
	args = append(args, c.SSHD.Host)
	return args
}

// Start begins the supervisor's background respawn loop. It is idempotent
// while Idle or Starting; call Shutdown and construct a new Supervisor to
// restart after Stopped.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return
	}
	s.state = Starting
	s.mu.Unlock()

	go s.run()
}

func (s *Supervisor) run() {
	defer close(s.done)
	b := backoff.NewWithoutJitter(maxBackoff, minBackoff)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		started := time.Now()
		err := s.spawnOnce()
		ran := time.Since(started)

		s.mu.Lock()
		if s.state == Stopped {
			s.mu.Unlock()
			return
		}
		s.state = Exited
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn().Err(err).Dur("ran_for", ran).Msg("jump-host ssh child exited")
		}
		wait := b.Duration()
		if ran > wait {
			b.Reset()
		}

		select {
		case <-s.stop:
			return
		case <-time.After(wait):
		}

		s.mu.Lock()
		if s.state == Stopped {
			s.mu.Unlock()
			return
		}
		s.state = Starting
		s.mu.Unlock()
	}
}

// spawnOnce starts the ssh child, attaches stdout/stderr readers, and
// blocks until the child exits.
func (s *Supervisor) spawnOnce() error {
	args := s.config.Args(s.localPort)
	cmd := exec.Command(s.config.SSHBinary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("jumphost: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("jumphost: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("jumphost: start %s: %w", s.config.SSHBinary, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.state = Running
	s.mu.Unlock()

	s.logger.Info().Strs("args", args).Msg("jump-host ssh child started")

	var wg sync.WaitGroup
	wg.Add(2)
	go s.logLines(stdout, "stdout", &wg)
	go s.logLines(stderr, "stderr", &wg)
	wg.Wait()

	return cmd.Wait()
}

func (s *Supervisor) logLines(r interface{ Read([]byte) (int, error) }, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug().Str("stream", stream).Str("line", scanner.Text()).Msg("jump-host ssh output")
	}
}

// Shutdown kills the child if running and transitions to terminal Stopped.
// It does not respawn. Safe to call more than once.
func (s *Supervisor) Shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = Stopped
		cmd := s.cmd
		s.mu.Unlock()

		close(s.stop)

		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}

		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
		}
	})
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
