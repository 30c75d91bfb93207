// Package process supervises one external agent process per session.
//
// A Session owns its child process exclusively. Output and lifecycle
// notifications leave the session through a single bounded channel returned by
// Events; input enters through Write and is applied in order by a dedicated
// writer goroutine. Nothing outside the package touches the process handle.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remote-agent-terminal/gateway/internal/buffer"
	"github.com/remote-agent-terminal/gateway/internal/driver"
	"github.com/remote-agent-terminal/gateway/internal/logger"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/workspace"
)

const (
	// DefaultReadBufferSize is the buffer size for reading agent output.
	DefaultReadBufferSize = 4096

	DefaultInputQueueSize = 64
	DefaultEventQueueSize = 256
	DefaultHistorySize    = 64 * 1024
	DefaultPrepDelay      = 1500 * time.Millisecond
	DefaultStopGrace      = 5 * time.Second
)

// System messages emitted by the session.
const (
	MsgReady         = "Ready for instructions"
	MsgContextLoaded = "Project context loaded"
)

var (
	// ErrAgentNotFound is returned when the agent executable cannot be found.
	ErrAgentNotFound = errors.New("agent executable not found")

	// ErrAgentPermission is returned when the agent executable cannot be executed.
	ErrAgentPermission = errors.New("agent executable permission denied")

	// ErrSpawnFailed is returned for any other failure to start the agent.
	ErrSpawnFailed = errors.New("failed to start agent")

	// ErrInputQueueFull is returned by Write when the input queue is at capacity.
	ErrInputQueueFull = errors.New("input queue is full")

	// ErrNotRunning is returned by Write before the agent has been started.
	ErrNotRunning = errors.New("agent is not running")

	// ErrClosed is returned when operating on a closed session.
	ErrClosed = errors.New("session is closed")
)

// State is the lifecycle state of a Session.
type State int

const (
	StateUninitialized State = iota
	StateSpawning
	// StateReady means the process is running. Whether it accepts meaningful
	// input yet is reported separately by Session.Ready.
	StateReady
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status maps the state to the lifecycle status stored in session records.
func (s State) Status() model.SessionStatus {
	switch s {
	case StateReady:
		return model.SessionStatusActive
	case StateError:
		return model.SessionStatusError
	case StateClosed:
		return model.SessionStatusClosed
	default:
		return model.SessionStatusInitializing
	}
}

// Exit describes how the agent process ended.
type Exit struct {
	Code   int
	Signal string
	Err    error
}

// Event is either a message for the client or the terminal Exit record.
// Exactly one field is set.
type Event struct {
	Message *model.Message
	Exit    *Exit
}

// Options configures a Session.
type Options struct {
	ID        string
	OwnerID   string
	ProjectID string
	Workdir   string

	Command string
	Args    []string

	// Credential is exported to the agent as CredentialEnv when not empty.
	Credential    string
	CredentialEnv string
	InstallHint   string

	Driver   driver.AgentDriver
	Preparer workspace.Preparer

	PrepDelay      time.Duration
	StopGrace      time.Duration
	InputQueueSize int
	EventQueueSize int
	HistorySize    int

	Logger *zap.Logger
}

// Session supervises one agent process.
type Session struct {
	opts    Options
	log     *zap.Logger
	driver  driver.AgentDriver
	history *buffer.RingBuffer

	events chan Event
	inputs chan string

	stop   chan struct{} // closed by Destroy; clears the outbound sink
	exited chan struct{} // closed once the process has been reaped
	done   chan struct{} // closed after the events channel is closed

	readers sync.WaitGroup // stdout and stderr readers
	aux     sync.WaitGroup // writer and preparatory delivery

	mu        sync.Mutex
	state     State
	detected  bool // readiness marker seen
	ready     bool // marker seen and the instruction, if any, queued
	prep      string
	prepSent  bool
	pid       int
	killTimer *time.Timer

	destroyOnce sync.Once
	closeOnce   sync.Once
}

// New creates an uninitialized session. Zero-valued limits take defaults.
func New(opts Options) *Session {
	if opts.InputQueueSize <= 0 {
		opts.InputQueueSize = DefaultInputQueueSize
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = DefaultEventQueueSize
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.PrepDelay < 0 {
		opts.PrepDelay = 0
	}
	if opts.Driver == nil {
		opts.Driver = driver.NewClaudeDriver()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Session{
		opts:    opts,
		log:     logger.Session(opts.Logger, opts.ID, opts.OwnerID, opts.ProjectID),
		driver:  opts.Driver,
		history: buffer.NewRingBuffer(opts.HistorySize),
		events:  make(chan Event, opts.EventQueueSize),
		inputs:  make(chan string, opts.InputQueueSize),
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.opts.ID }

// OwnerID returns the id of the identity that created the session.
func (s *Session) OwnerID() string { return s.opts.OwnerID }

// ProjectID returns the project the session works on.
func (s *Session) ProjectID() string { return s.opts.ProjectID }

// Workdir returns the working directory of the agent.
func (s *Session) Workdir() string { return s.opts.Workdir }

// Events returns the outbound channel. It is closed after the terminal event,
// or without one when the session is destroyed.
func (s *Session) Events() <-chan Event { return s.events }

// Stopped is closed as soon as Destroy is called.
func (s *Session) Stopped() <-chan struct{} { return s.stop }

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the agent accepts user input: it has printed its
// readiness marker and the preparatory instruction, if any, is queued ahead
// of anything written afterwards.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// PID returns the process id, or 0 before the process has started.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// History returns a copy of the most recent output.
func (s *Session) History() []byte {
	return s.history.Bytes()
}

// Initialize ensures the working directory, prepares the optional one-time
// instruction and spawns the agent. ctx bounds initialization only; the
// process outlives it until Destroy or its own exit.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateUninitialized:
		s.state = StateSpawning
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	default:
		s.mu.Unlock()
		return fmt.Errorf("session already initialized (state %s)", s.state)
	}
	s.mu.Unlock()

	if err := workspace.Ensure(s.opts.Workdir); err != nil {
		return s.fail(err, fmt.Sprintf("Failed to prepare working directory: %v", err))
	}

	if s.opts.Preparer != nil {
		instruction, err := s.opts.Preparer.Prepare(ctx, workspace.Info{
			SessionID: s.opts.ID,
			OwnerID:   s.opts.OwnerID,
			ProjectID: s.opts.ProjectID,
			Workdir:   s.opts.Workdir,
		})
		if err != nil {
			s.log.Warn("failed to prepare instruction", zap.Error(err))
		}
		s.prep = strings.TrimSpace(instruction)
	}

	if err := ctx.Err(); err != nil {
		return s.fail(err, "Session start was cancelled")
	}

	cmd := exec.Command(s.opts.Command, s.opts.Args...)
	cmd.Dir = s.opts.Workdir
	cmd.Env = s.environ()
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrSpawnFailed, err), spawnMessage(ErrSpawnFailed, s.opts, err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return s.fail(fmt.Errorf("%w: %v", ErrSpawnFailed, err), spawnMessage(ErrSpawnFailed, s.opts, err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return s.fail(fmt.Errorf("%w: %v", ErrSpawnFailed, err), spawnMessage(ErrSpawnFailed, s.opts, err))
	}

	if err := cmd.Start(); err != nil {
		kind := classifySpawnError(err)
		return s.fail(fmt.Errorf("%w: %v", kind, err), spawnMessage(kind, s.opts, err))
	}

	pid := cmd.Process.Pid
	s.mu.Lock()
	s.pid = pid
	destroyed := s.state == StateClosed
	if !destroyed {
		s.state = StateReady
	}
	s.mu.Unlock()

	s.log.Info("agent started",
		zap.Int("pid", pid),
		zap.String("command", s.opts.Command),
		zap.String("workdir", s.opts.Workdir),
		zap.Bool("prepared", s.prep != ""))
	s.emitMessage(model.MessageKindSystem, fmt.Sprintf("Agent started in %s", s.opts.Workdir))

	s.readers.Add(2)
	go s.readLoop(stdout, false)
	go s.readLoop(stderr, true)
	s.aux.Add(1)
	go s.writeLoop(stdin)
	go s.waitLoop(cmd)

	if destroyed {
		s.terminate(pid)
	}
	return nil
}

// Write queues text for the agent's standard input, appending a newline when
// missing. Inputs are applied in call order. A full queue rejects the input.
func (s *Session) Write(text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateReady:
	case StateClosed, StateError:
		return ErrClosed
	default:
		return ErrNotRunning
	}

	select {
	case s.inputs <- text:
		return nil
	default:
		return ErrInputQueueFull
	}
}

// Destroy stops the session. The outbound sink is cleared first so no event
// other than the channel close follows. The process group receives SIGTERM
// and, if still alive after the grace window, SIGKILL. Destroy is idempotent
// and does not block.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		close(s.stop)
		prev := s.state
		s.state = StateClosed
		pid := s.pid
		s.mu.Unlock()

		switch {
		case prev == StateUninitialized:
			s.closeEvents()
		case pid != 0:
			s.terminate(pid)
		}
		// A session destroyed while spawning is terminated by Initialize.
	})
}

func (s *Session) terminate(pid int) {
	select {
	case <-s.exited:
		return
	default:
	}

	s.log.Info("terminating agent", zap.Int("pid", pid), zap.Duration("grace", s.opts.StopGrace))
	if err := signalTerminate(pid); err != nil {
		s.log.Debug("terminate signal failed", zap.Error(err))
	}

	s.mu.Lock()
	s.killTimer = time.AfterFunc(s.opts.StopGrace, func() {
		select {
		case <-s.exited:
			return
		default:
		}
		s.log.Warn("agent did not exit within grace window, killing", zap.Int("pid", pid))
		if err := signalKill(pid); err != nil {
			s.log.Debug("kill signal failed", zap.Error(err))
		}
	})
	s.mu.Unlock()
}

// fail records a failed initialization and closes the session.
func (s *Session) fail(err error, text string) error {
	s.log.Error("failed to initialize session", zap.Error(err))
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateError
	}
	s.mu.Unlock()

	s.emitMessage(model.MessageKindSystem, text)
	s.closeEvents()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	close(s.exited)
	close(s.done)
	return err
}

func (s *Session) environ() []string {
	env := append(os.Environ(),
		"AGENT_SESSION_ID="+s.opts.ID,
		"AGENT_PROJECT_ID="+s.opts.ProjectID,
		"AGENT_OWNER_ID="+s.opts.OwnerID,
		"AGENT_WORKDIR="+s.opts.Workdir,
		"PYTHONUNBUFFERED=1",
		"FORCE_COLOR=0",
	)
	if s.opts.Credential != "" && s.opts.CredentialEnv != "" {
		env = append(env, s.opts.CredentialEnv+"="+s.opts.Credential)
	}
	return env
}

// readLoop relays one output stream until EOF.
func (s *Session) readLoop(r io.Reader, stderr bool) {
	defer s.readers.Done()

	buf := make([]byte, DefaultReadBufferSize)
	var pending []byte

	for {
		n, err := r.Read(buf)
		if n > 0 {
			var text string
			text, pending = splitUTF8(pending, buf[:n])
			s.history.Write(buf[:n])
			if text != "" {
				if stderr {
					s.handleStderr(text)
				} else {
					s.handleStdout(text)
				}
			}
		}
		if err != nil {
			if len(pending) > 0 {
				if stderr {
					s.handleStderr(string(pending))
				} else {
					s.handleStdout(string(pending))
				}
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.log.Debug("output stream closed", zap.Bool("stderr", stderr), zap.Error(err))
			}
			return
		}
	}
}

func (s *Session) handleStdout(text string) {
	s.emitMessage(model.MessageKindOutput, text)

	s.mu.Lock()
	if s.detected {
		s.mu.Unlock()
		return
	}
	if !s.driver.DetectReady([]byte(text)) {
		s.mu.Unlock()
		return
	}
	s.detected = true
	prep := ""
	if s.prep != "" && !s.prepSent {
		s.prepSent = true
		prep = s.prep
	} else {
		s.ready = true
	}
	s.mu.Unlock()

	s.driver.Reset()
	s.log.Info("agent ready", zap.Bool("prepared", prep != ""))

	if prep == "" {
		s.emitMessage(model.MessageKindSystem, MsgReady)
		return
	}
	s.aux.Add(1)
	go s.deliverPrep(prep)
}

func (s *Session) handleStderr(text string) {
	if msg, isAuth := s.driver.ClassifyStderr([]byte(text)); isAuth {
		s.log.Warn("agent reported authentication failure")
		s.emitMessage(model.MessageKindError, msg)
		return
	}
	s.emitMessage(model.MessageKindError, text)
}

// deliverPrep writes the preparatory instruction once, after PrepDelay so it
// does not race the agent's own prompt rendering. The session becomes ready
// only once the instruction is queued.
func (s *Session) deliverPrep(text string) {
	defer s.aux.Done()

	t := time.NewTimer(s.opts.PrepDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.stop:
		return
	case <-s.exited:
		return
	}

	select {
	case s.inputs <- text + "\n":
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()
		s.emitMessage(model.MessageKindSystem, MsgContextLoaded)
	case <-s.stop:
	case <-s.exited:
	}
}

// writeLoop is the only writer of the agent's standard input.
func (s *Session) writeLoop(stdin io.WriteCloser) {
	defer s.aux.Done()
	defer stdin.Close()

	for {
		select {
		case text := <-s.inputs:
			if _, err := io.WriteString(stdin, text); err != nil {
				s.log.Warn("failed to write to agent", zap.Error(err))
				s.emitMessage(model.MessageKindError, fmt.Sprintf("Failed to write to agent: %v", err))
			}
		case <-s.stop:
			return
		case <-s.exited:
			return
		}
	}
}

// waitLoop reaps the process once both output streams are drained, then emits
// the terminal messages and closes the outbound channel.
func (s *Session) waitLoop(cmd *exec.Cmd) {
	s.readers.Wait()
	waitErr := cmd.Wait()
	close(s.exited)

	s.mu.Lock()
	if s.killTimer != nil {
		s.killTimer.Stop()
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.aux.Wait()

	exit := Exit{Code: -1}
	if ps := cmd.ProcessState; ps != nil {
		exit.Code = ps.ExitCode()
		exit.Signal = exitSignal(ps)
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		exit.Err = waitErr
	}

	s.log.Info("agent exited", zap.Int("code", exit.Code), zap.String("signal", exit.Signal), zap.Error(exit.Err))

	s.emitMessage(model.MessageKindSystem, exitMessage(exit))
	s.emit(Event{Exit: &exit})
	s.closeEvents()
	close(s.done)
}

func (s *Session) emitMessage(kind model.MessageKind, data string) {
	msg := model.NewMessage(s.opts.ID, kind, data)
	s.emit(Event{Message: &msg})
}

// emit blocks while the outbound channel is full, which back-pressures the
// agent through its output pipe. After Destroy events are discarded.
func (s *Session) emit(ev Event) {
	select {
	case <-s.stop:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

func (s *Session) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

func exitMessage(e Exit) string {
	switch {
	case e.Signal != "":
		return fmt.Sprintf("Agent terminated by signal %s", e.Signal)
	case e.Err != nil:
		return fmt.Sprintf("Agent exited abnormally: %v", e.Err)
	case e.Code == 0:
		return "Agent exited successfully"
	default:
		return fmt.Sprintf("Agent exited with code %d", e.Code)
	}
}

func classifySpawnError(err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return ErrAgentNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrAgentPermission
	default:
		return ErrSpawnFailed
	}
}

func spawnMessage(kind error, opts Options, err error) string {
	switch kind {
	case ErrAgentNotFound:
		msg := fmt.Sprintf("Agent executable %q not found.", opts.Command)
		if opts.InstallHint != "" {
			msg += " Install it with: " + opts.InstallHint
		}
		return msg
	case ErrAgentPermission:
		return fmt.Sprintf("Agent executable %q cannot be run: permission denied. Check that it is executable.", opts.Command)
	default:
		return fmt.Sprintf("Failed to start agent: %v", err)
	}
}
