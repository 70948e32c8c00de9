// Package supervisor keeps one server instance alive behind a stable
// external URL: it spawns children, restarts them with backoff when they
// crash, drains them gracefully on restart requests, and rolls back to the
// last known-good revision when a fresh deploy crash-loops.
package supervisor

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"syscall"
	"time"
)

// ChildState is the lifecycle position of the current instance.
type ChildState string

const (
	StateStarting ChildState = "starting"
	StateReady    ChildState = "ready"
	StateDraining ChildState = "draining"
	StateGone     ChildState = "gone"
)

// defaultBackoff is the restart delay schedule. Restarts beyond the end
// reuse the last value.
var defaultBackoff = []time.Duration{
	2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second,
}

// DefaultMaxConsecutiveCrashes terminates the supervisor after this many
// crashes without an intervening READY.
const DefaultMaxConsecutiveCrashes = 10

// DrainTimeout bounds the wait for drain_complete before escalating to a
// hard kill.
const DrainTimeout = 30 * time.Second

// ErrMaxRestarts is reported through OnFatal when the crash limit is hit.
var ErrMaxRestarts = errors.New("max_restarts_exceeded")

// Options configures a Supervisor.
type Options struct {
	Port     int
	Launcher ChildLauncher
	Store    *DeployStore
	Reverter Reverter
	Revision RevisionFunc
	PIDPath  string

	Backoff      []time.Duration
	MaxCrashes   int
	DrainTimeout time.Duration

	// OnFatal is called when the supervisor gives up (crash limit). The
	// process is expected to exit non-zero.
	OnFatal func(err error)

	// Test hooks.
	Now       func() time.Time
	Sleep     func(time.Duration)
	AfterFunc func(time.Duration, func()) *time.Timer
}

// Supervisor runs the child lifecycle loop.
type Supervisor struct {
	opts Options

	pid *PIDFile

	restartC  chan struct{}
	shutdownC chan os.Signal
	doneC     chan struct{}

	mu            sync.Mutex
	state         ChildState
	child         ChildHandle
	generation    int
	consecutive   int
	restarts      int
	lastCrash     time.Time
	lastDeploy    time.Time
	deployCrashes int
	rollbackArmed bool // reset deploy counters at next READY
	shuttingDown  bool
	startedAt     time.Time

	standby *standbyServer
}

// New validates opts and builds a Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Launcher == nil {
		return nil, errors.New("supervisor: launcher is required")
	}
	if opts.Store == nil {
		return nil, errors.New("supervisor: deploy store is required")
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxCrashes == 0 {
		opts.MaxCrashes = DefaultMaxConsecutiveCrashes
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = DrainTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = time.AfterFunc
	}

	s := &Supervisor{
		opts:      opts,
		restartC:  make(chan struct{}, 1),
		shutdownC: make(chan os.Signal, 1),
		doneC:     make(chan struct{}),
		state:     StateGone,
	}
	s.standby = newStandbyServer(opts.Port, s.metrics)
	s.lastDeploy = opts.Store.LastDeploy()
	return s, nil
}

// Start acquires the PID lock and launches the run loop.
func (s *Supervisor) Start() error {
	if s.opts.PIDPath != "" {
		pid, err := AcquirePIDFile(s.opts.PIDPath)
		if err != nil {
			return err
		}
		s.pid = pid
	}
	s.mu.Lock()
	s.startedAt = s.opts.Now()
	s.mu.Unlock()
	go s.run()
	return nil
}

// Restart requests a graceful drain-and-respawn of the current child.
func (s *Supervisor) Restart() {
	select {
	case s.restartC <- struct{}{}:
	default: // a restart is already pending
	}
}

// Shutdown stops the child, releases the PID file, and ends the run loop.
// Idempotent.
func (s *Supervisor) Shutdown(sig os.Signal) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	s.mu.Unlock()
	select {
	case s.shutdownC <- sig:
	default:
	}
}

// DeployCompleted stamps the deploy marker, arming the post-deploy
// crash-loop detector.
func (s *Supervisor) DeployCompleted() error {
	now := s.opts.Now()
	s.mu.Lock()
	s.lastDeploy = now
	s.deployCrashes = 0
	s.mu.Unlock()
	return s.opts.Store.RecordDeploy(now)
}

// Done is closed when the supervisor has fully stopped.
func (s *Supervisor) Done() <-chan struct{} { return s.doneC }

// State returns the current child state.
func (s *Supervisor) State() ChildState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConsecutiveCrashes returns the current crash streak. Test observability.
func (s *Supervisor) ConsecutiveCrashes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutive
}

// DeployCrashes returns the in-window crash count. Test observability.
func (s *Supervisor) DeployCrashes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deployCrashes
}

func (s *Supervisor) metrics() StandbyMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StandbyMetrics{
		Restarts:      s.restarts,
		LastCrash:     s.lastCrash,
		SupervisorUp:  s.startedAt,
		DeployCrashes: s.deployCrashes,
	}
}

// run is the child lifecycle loop. One iteration is one child instance.
func (s *Supervisor) run() {
	defer s.finish()

	for {
		if s.isShuttingDown() {
			return
		}

		// The next child needs the external port; the standby listener
		// hands it over just before the spawn.
		s.standby.stop()

		child, err := s.opts.Launcher(s.opts.Port)
		if err != nil {
			log.Printf("[supervisor] spawn failed: %v", err)
			s.standby.start()
			if !s.handleCrash() {
				return
			}
			continue
		}

		s.mu.Lock()
		s.child = child
		s.generation++
		gen := s.generation
		s.state = StateStarting
		s.mu.Unlock()
		log.Printf("[supervisor] child started (pid %d)", child.Pid())

		if !s.awaitReady(child) {
			// Crashed before READY, or shutdown requested.
			if s.isShuttingDown() {
				s.stopChild(child)
				return
			}
			s.afterExit()
			if !s.handleCrash() {
				return
			}
			continue
		}

		s.onReady(gen)

		if !s.serve(child) {
			return // shutdown
		}
	}
}

// awaitReady blocks until the child reports ready. False on crash or
// shutdown.
func (s *Supervisor) awaitReady(child ChildHandle) bool {
	for {
		select {
		case msg, ok := <-child.Messages():
			if !ok {
				continue
			}
			if msg.Type == MsgReady {
				return true
			}
		case st := <-child.Done():
			log.Printf("[supervisor] child crashed before ready (code=%d)", st.Code)
			return false
		case <-s.shutdownC:
			s.markShuttingDown()
			return false
		}
	}
}

// onReady records the READY transition: crash streak resets, and the
// current revision becomes known-good once the deploy window has passed.
func (s *Supervisor) onReady(gen int) {
	s.mu.Lock()
	s.state = StateReady
	s.consecutive = 0
	if s.rollbackArmed {
		// Rollback verified: the reverted revision came up.
		s.rollbackArmed = false
		s.deployCrashes = 0
		s.lastDeploy = time.Time{}
		s.opts.Store.ClearDeploy()
		log.Printf("[supervisor] rollback verified; deploy counters reset")
	}
	lastDeploy := s.lastDeploy
	now := s.opts.Now()
	s.mu.Unlock()

	log.Printf("[supervisor] child ready")

	remaining := time.Duration(0)
	if !lastDeploy.IsZero() {
		remaining = DeployWindow - now.Sub(lastDeploy)
	}
	if remaining <= 0 {
		s.recordKnownGood()
		return
	}
	// Inside the deploy window: the revision is known-good only if this
	// child survives the remainder of it.
	s.opts.AfterFunc(remaining, func() {
		s.mu.Lock()
		alive := s.generation == gen && s.state == StateReady
		if alive {
			s.deployCrashes = 0
			s.lastDeploy = time.Time{}
			s.opts.Store.ClearDeploy()
		}
		s.mu.Unlock()
		if alive {
			log.Printf("[supervisor] deploy window passed; revision is known-good")
			s.recordKnownGood()
		}
	})
}

func (s *Supervisor) recordKnownGood() {
	if s.opts.Revision == nil {
		return
	}
	ref, err := s.opts.Revision()
	if err != nil || ref == "" {
		return
	}
	if err := s.opts.Store.RecordKnownGood(ref); err != nil {
		log.Printf("[supervisor] record known-good: %v", err)
	}
}

// serve waits on a READY child. Returns false when the supervisor should
// stop, true when the loop should spawn a replacement.
func (s *Supervisor) serve(child ChildHandle) bool {
	for {
		select {
		case st := <-child.Done():
			log.Printf("[supervisor] child exited unexpectedly (code=%d signal=%s)", st.Code, st.Signal)
			s.afterExit()
			return s.handleCrash()

		case <-s.restartC:
			s.drainChild(child)
			s.afterExit()
			return true

		case <-s.shutdownC:
			s.markShuttingDown()
			s.stopChild(child)
			return false

		case msg, ok := <-child.Messages():
			if !ok {
				continue
			}
			// drain_complete outside a drain is a protocol hiccup, not a
			// reason to kill anything.
			log.Printf("[supervisor] unexpected child message %q", msg.Type)
		}
	}
}

// drainChild runs the graceful restart sequence: structured drain message,
// bounded wait for drain_complete, soft signal, hard kill as last resort.
func (s *Supervisor) drainChild(child ChildHandle) {
	s.mu.Lock()
	s.state = StateDraining
	s.mu.Unlock()
	log.Printf("[supervisor] draining child")

	if err := child.Send(IPCMessage{Type: MsgDrain}); err != nil {
		log.Printf("[supervisor] drain send failed: %v", err)
		child.Kill()
		<-child.Done()
		return
	}

	deadline := time.After(s.opts.DrainTimeout)
	drained := false
	for !drained {
		select {
		case msg, ok := <-child.Messages():
			if !ok {
				continue
			}
			if msg.Type == MsgDrainComplete {
				drained = true
			}
		case <-child.Done():
			return // exited on its own; done either way
		case <-deadline:
			log.Printf("[supervisor] drain timed out; escalating to hard kill")
			child.Kill()
			<-child.Done()
			return
		}
	}

	child.Signal(syscall.SIGTERM)
	select {
	case <-child.Done():
	case <-time.After(5 * time.Second):
		child.Kill()
		<-child.Done()
	}
}

// stopChild runs the shutdown sequence for the final child.
func (s *Supervisor) stopChild(child ChildHandle) {
	child.Send(IPCMessage{Type: MsgShutdown})
	select {
	case <-child.Done():
	case <-time.After(10 * time.Second):
		child.Kill()
		<-child.Done()
	}
	s.afterExit()
}

// afterExit transitions to GONE and raises the standby listener.
func (s *Supervisor) afterExit() {
	s.mu.Lock()
	s.state = StateGone
	s.child = nil
	shuttingDown := s.shuttingDown
	s.mu.Unlock()
	if !shuttingDown {
		s.standby.start()
	}
}

// handleCrash updates crash accounting, fires the deploy-loop detector, and
// sleeps the backoff. False means the supervisor is giving up.
func (s *Supervisor) handleCrash() bool {
	now := s.opts.Now()

	s.mu.Lock()
	s.consecutive++
	s.restarts++
	s.lastCrash = now
	consecutive := s.consecutive

	inWindow := !s.lastDeploy.IsZero() && now.Sub(s.lastDeploy) <= DeployWindow
	rollback := false
	if inWindow && !s.rollbackArmed {
		s.deployCrashes++
		rollback = s.deployCrashes == DeployCrashLimit
	}
	s.mu.Unlock()

	if rollback {
		if s.tryRollback() {
			s.mu.Lock()
			s.rollbackArmed = true
			s.mu.Unlock()
		}
		// Failed rollback falls through to the normal backoff.
	}

	if consecutive >= s.opts.MaxCrashes {
		log.Printf("[supervisor] %v after %d consecutive crashes", ErrMaxRestarts, consecutive)
		if s.opts.OnFatal != nil {
			s.opts.OnFatal(fmt.Errorf("%w: %d consecutive crashes", ErrMaxRestarts, consecutive))
		}
		return false
	}

	idx := consecutive - 1
	if idx >= len(s.opts.Backoff) {
		idx = len(s.opts.Backoff) - 1
	}
	delay := s.opts.Backoff[idx]
	log.Printf("[supervisor] restarting in %s (crash %d)", delay, consecutive)
	s.opts.Sleep(delay)
	return true
}

// tryRollback reverts to the known-good revision. True when the revert
// itself succeeded; verification happens at the next READY.
func (s *Supervisor) tryRollback() bool {
	if s.opts.Reverter == nil {
		return false
	}
	ref, err := s.opts.Store.KnownGood()
	if err != nil {
		log.Printf("[supervisor] rollback skipped: %v", err)
		return false
	}
	log.Printf("[supervisor] deploy crash loop detected; rolling back to %s", ref)
	if err := s.opts.Reverter.Revert(ref); err != nil {
		log.Printf("[supervisor] rollback failed: %v", err)
		return false
	}
	return true
}

func (s *Supervisor) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

func (s *Supervisor) markShuttingDown() {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()
}

func (s *Supervisor) finish() {
	s.standby.stop()
	if s.pid != nil {
		s.pid.Release()
	}
	close(s.doneC)
	log.Printf("[supervisor] stopped")
}
