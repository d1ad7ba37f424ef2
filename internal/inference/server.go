package inference

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/ocrpipeline/internal/config"
	"github.com/local/ocrpipeline/internal/errs"
	"github.com/local/ocrpipeline/internal/metrics"
)

const (
	readyPollInterval = 2 * time.Second
	restartDelay      = 10 * time.Second
	healthProbePath   = "/v1/models"
	// Consecutive probe failures before the child is recycled.
	maxConsecutiveFails = 3
)

// Server manages an external model-serving process: launch, readiness
// wait, periodic health probes, restart on repeated failure, teardown on
// shutdown. The pipeline itself never serves a model; it only babysits
// the command it was given.
type Server struct {
	cfg      config.ServerConfig
	probeURL string
	http     *http.Client

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	restarts int
}

func NewServer(cfg config.ServerConfig, baseURL string) *Server {
	return &Server{
		cfg:      cfg,
		probeURL: baseURL + healthProbePath,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Start launches the serving command and blocks until it answers the
// readiness probe or the ready budget runs out.
func (s *Server) Start(ctx context.Context) error {
	if err := s.spawn(); err != nil {
		return err
	}
	if err := s.waitReady(ctx); err != nil {
		s.Stop()
		return err
	}
	log.Info().Str("probe", s.probeURL).Msg("model server is ready")
	return nil
}

func (s *Server) spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Info().Str("cmd", s.cfg.Command).Msg("starting model server")
	cmd := exec.Command("/bin/sh", "-c", s.cfg.Command)
	// Own process group so Stop can signal the whole tree, not just sh.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe server stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("pipe server stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start model server: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		log.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("model server process exited")
		close(exited)
	}()
	go relayServerLogs(stdout, "stdout")
	go relayServerLogs(stderr, "stderr")

	s.cmd = cmd
	s.exited = exited
	log.Info().Int("pid", cmd.Process.Pid).Msg("model server process started")
	return nil
}

func relayServerLogs(r io.Reader, stream string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		log.Debug().Str("stream", stream).Msg(sc.Text())
	}
}

func (s *Server) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	for {
		if s.checkHealth(ctx) {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("model server not ready after %s", s.cfg.ReadyTimeout)
		}
		wait := readyPollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.exitedChan():
			return fmt.Errorf("model server exited before becoming ready")
		case <-time.After(wait):
		}
	}
}

// checkHealth probes the models endpoint and requires a JSON body with
// a "data" field, which filters out half-started servers that already
// accept connections but cannot answer yet.
func (s *Server) checkHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	_, ok := body["data"]
	return ok
}

// Monitor health-checks the child until ctx is cancelled. Three
// consecutive probe failures or a process exit trigger a restart; an
// exhausted restart budget returns a fatal error.
func (s *Server) Monitor(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.exitedChan():
			log.Error().Msg("model server died, restarting")
			if err := s.restart(ctx); err != nil {
				return err
			}
			failures = 0
		case <-time.After(s.cfg.CheckInterval):
			if s.checkHealth(ctx) {
				if failures > 0 {
					log.Info().Msg("model server recovered")
				}
				failures = 0
				continue
			}
			failures++
			log.Warn().Int("failures", failures).Int("threshold", maxConsecutiveFails).Msg("model server health check failed")
			if failures >= maxConsecutiveFails {
				if err := s.restart(ctx); err != nil {
					return err
				}
				failures = 0
			}
		}
	}
}

func (s *Server) restart(ctx context.Context) error {
	s.restarts++
	metrics.IncServerRestart()
	if s.restarts > s.cfg.MaxRestarts {
		return errs.Fatal("model server", fmt.Errorf("restart budget (%d) exhausted", s.cfg.MaxRestarts))
	}
	log.Info().Int("attempt", s.restarts).Int("budget", s.cfg.MaxRestarts).Msg("restarting model server")

	s.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(restartDelay):
	}
	return s.Start(ctx)
}

// Stop terminates the child process group: SIGTERM first, SIGKILL after
// the grace period.
func (s *Server) Stop() {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.cmd, s.exited = nil, nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-exited:
		log.Info().Int("pid", pid).Msg("model server stopped")
	case <-time.After(s.cfg.StopGrace):
		log.Warn().Int("pid", pid).Msg("model server ignored SIGTERM, killing")
		syscall.Kill(-pid, syscall.SIGKILL)
		<-exited
	}
}

func (s *Server) exitedChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}
