package session

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrLockHeld means another live session owns the workspace. Callers do
	// not retry this; a stale lock requires explicit cleanup.
	ErrLockHeld = errors.New("workspace lock already held")
	// ErrLaunchFailed means the agent process could not be spawned or exited
	// immediately after spawn.
	ErrLaunchFailed = errors.New("agent process launch failed")
	// ErrPipeClosed means the agent's input stream is gone. Callers may
	// attempt one restart and retry, not more.
	ErrPipeClosed = errors.New("agent input pipe closed")
	// ErrStopped means Cleanup has already run for this session.
	ErrStopped = errors.New("session stopped")
)

const lockFileName = ".agentfleet.lock"

// Config describes how to run one external coding-agent process.
type Config struct {
	WorkspacePath  string
	Command        string
	Args           []string
	BufferMaxBytes int
	GracePeriod    time.Duration
	NoiseFilters   []string
	Logger         *log.Logger
}

// StreamStatus is a point-in-time snapshot of the drain state.
type StreamStatus struct {
	LastOutputTime  time.Time
	OutputCount     int
	StreamActive    bool
	CommandComplete bool
	ExitError       string
}

// Session supervises one external coding-agent process: it spawns it, drains
// its merged output into a capped buffer, injects instructions over stdin,
// and tears it down. At most one live Session may own a workspace at a time,
// enforced by a lock file inside the workspace.
type Session struct {
	id  string
	cfg Config

	buffer *outputBuffer

	mu              sync.Mutex
	cmd             *exec.Cmd
	stdin           io.WriteCloser
	lockPath        string
	streamActive    bool
	commandComplete bool
	exited          bool
	exitErr         string

	stopOnce sync.Once
	stopped  chan struct{}
	waitDone chan struct{}
}

func New(cfg Config) *Session {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Session{
		id:      uuid.NewString()[:8],
		cfg:     cfg,
		buffer:  newOutputBuffer(cfg.BufferMaxBytes),
		stopped: make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Start acquires the workspace lock, spawns the agent process, and begins
// draining its output. stdout and stderr are merged into one pipe so the
// buffer carries a single ordered timeline.
func (s *Session) Start() error {
	lockPath, err := s.acquireLock()
	if err != nil {
		return err
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkspacePath
	cmd.Env = append(os.Environ(),
		"PYTHONUNBUFFERED=1",
		"PYTHONIOENCODING=utf-8",
		"NO_COLOR=1",
		"TERM=dumb",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.releaseLock(lockPath)
		return errors.Wrapf(ErrLaunchFailed, "stdin pipe: %v", err)
	}
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		s.releaseLock(lockPath)
		return errors.Wrapf(ErrLaunchFailed, "output pipe: %v", err)
	}
	cmd.Stdout = writeEnd
	cmd.Stderr = writeEnd

	if err := cmd.Start(); err != nil {
		_ = readEnd.Close()
		_ = writeEnd.Close()
		s.releaseLock(lockPath)
		return errors.Wrapf(ErrLaunchFailed, "spawn %s: %v", s.cfg.Command, err)
	}
	// The child holds its own copy of the write end; closing ours lets the
	// drain goroutine observe EOF when the process exits.
	_ = writeEnd.Close()

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.lockPath = lockPath
	s.streamActive = true
	s.commandComplete = false
	s.waitDone = make(chan struct{})
	waitDone := s.waitDone
	s.mu.Unlock()

	go s.drain(readEnd)
	go s.watchExit(cmd, waitDone)

	if err := s.verifyStartup(); err != nil {
		s.Cleanup()
		return err
	}
	s.cfg.Logger.Printf("session %s: started %s (pid %d) in %s", s.id, s.cfg.Command, cmd.Process.Pid, s.cfg.WorkspacePath)
	return nil
}

// verifyStartup catches processes that die right after spawn, so Start can
// report LaunchFailed instead of leaving a dead session behind.
func (s *Session) verifyStartup() error {
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		exited := s.exited
		exitErr := s.exitErr
		s.mu.Unlock()
		if exited {
			return errors.Wrapf(ErrLaunchFailed, "process exited during startup: %s", exitErr)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func (s *Session) drain(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if s.isNoise(line) {
			continue
		}
		s.buffer.AppendLine(line)
	}
	s.mu.Lock()
	s.streamActive = false
	s.mu.Unlock()
	s.cfg.Logger.Printf("session %s: output stream closed", s.id)
}

func (s *Session) watchExit(cmd *exec.Cmd, done chan struct{}) {
	defer close(done)
	err := cmd.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exited = true
	s.commandComplete = true
	s.streamActive = false
	if err != nil {
		select {
		case <-s.stopped:
			// Termination we asked for is not an agent failure.
		default:
			s.exitErr = strings.TrimSpace(err.Error())
		}
	}
}

func (s *Session) isNoise(line string) bool {
	for _, filter := range s.cfg.NoiseFilters {
		if filter != "" && strings.Contains(line, filter) {
			return true
		}
	}
	return false
}

// SendInstruction writes one line to the agent's stdin.
func (s *Session) SendInstruction(text string) error {
	select {
	case <-s.stopped:
		return ErrStopped
	default:
	}

	s.mu.Lock()
	stdin := s.stdin
	exited := s.exited
	s.mu.Unlock()

	if stdin == nil || exited {
		return errors.Wrap(ErrPipeClosed, "process is not running")
	}
	text = strings.ReplaceAll(text, "\n", " ")
	if _, err := io.WriteString(stdin, text+"\n"); err != nil {
		return errors.Wrapf(ErrPipeClosed, "write instruction: %v", err)
	}
	s.cfg.Logger.Printf("session %s: sent instruction: %s", s.id, text)
	return nil
}

// ReadOutput returns the accumulated buffer. Snapshot read; callers diff
// successive snapshots rather than draining.
func (s *Session) ReadOutput() string {
	return s.buffer.String()
}

// IsQuiescent samples the buffer, then polls at one-second intervals for up
// to stability. It reports true only if no byte arrived during the whole
// window. An empty buffer is immediately quiescent: there is nothing to
// stabilize, and the first poll after start should become eligible for the
// first instruction. Blocking; run it off the caller's hot path.
func (s *Session) IsQuiescent(stability time.Duration) (bool, error) {
	if s.buffer.Empty() {
		return true, nil
	}
	initial := s.buffer.Total()
	deadline := time.Now().Add(stability)
	for time.Now().Before(deadline) {
		select {
		case <-s.stopped:
			return false, ErrStopped
		case <-time.After(time.Second):
		}
		if s.buffer.Total() != initial {
			return false, nil
		}
	}
	return true, nil
}

// LastOutputAt returns when the buffer last grew; zero if it never did.
func (s *Session) LastOutputAt() time.Time {
	return s.buffer.LastAppend()
}

func (s *Session) Status() StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamStatus{
		LastOutputTime:  s.buffer.LastAppend(),
		OutputCount:     s.buffer.LineCount(),
		StreamActive:    s.streamActive,
		CommandComplete: s.commandComplete,
		ExitError:       s.exitErr,
	}
}

// ExitError returns the unexplained non-zero exit message, if any.
func (s *Session) ExitError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Cleanup tears the session down: stop flag, stdin close, graceful
// terminate, force kill after the grace period, lock release. Idempotent and
// safe to call at any time, including concurrently with IsQuiescent or
// SendInstruction.
func (s *Session) Cleanup() {
	s.stopOnce.Do(func() {
		close(s.stopped)

		s.mu.Lock()
		stdin := s.stdin
		cmd := s.cmd
		waitDone := s.waitDone
		lockPath := s.lockPath
		s.mu.Unlock()

		if stdin != nil {
			_ = stdin.Close()
		}
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			if waitDone != nil {
				select {
				case <-waitDone:
				case <-time.After(s.cfg.GracePeriod):
					s.cfg.Logger.Printf("session %s: process did not terminate, forcing kill", s.id)
					_ = cmd.Process.Kill()
					<-waitDone
				}
			}
		}
		s.releaseLock(lockPath)
		s.cfg.Logger.Printf("session %s: cleanup complete", s.id)
	})
}

func (s *Session) acquireLock() (string, error) {
	if strings.TrimSpace(s.cfg.WorkspacePath) == "" {
		return "", errors.Wrap(ErrLaunchFailed, "workspace path is empty")
	}
	lockPath := filepath.Join(s.cfg.WorkspacePath, lockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return "", errors.Wrapf(ErrLockHeld, "lock file %s", lockPath)
		}
		return "", errors.Wrapf(ErrLaunchFailed, "create lock file: %v", err)
	}
	fmt.Fprintf(f, "session=%s pid=%d\n", s.id, os.Getpid())
	_ = f.Close()
	return lockPath, nil
}

func (s *Session) releaseLock(lockPath string) {
	if strings.TrimSpace(lockPath) == "" {
		return
	}
	_ = os.Remove(lockPath)
}
