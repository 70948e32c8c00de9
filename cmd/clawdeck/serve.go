package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clawdeck/clawdeck/internal/broker"
	"github.com/clawdeck/clawdeck/internal/hooks"
	"github.com/clawdeck/clawdeck/internal/session"
	"github.com/clawdeck/clawdeck/internal/supervisor"
)

// drainWait bounds how long a draining child waits for busy sessions before
// reporting drain_complete anyway. Shorter than the supervisor's own drain
// deadline so the soft path always wins over the hard kill.
const drainWait = 25 * time.Second

// runServe is the child server: session manager, broker, WS listener, and
// the IPC loop back to the supervisor.
func runServe(args []string) {
	cfg := parseFlags("clawdeck serve", args)

	// Broker and manager reference each other; the sink closure breaks the
	// construction cycle.
	var b *broker.Broker
	mgr := session.NewManager(session.Config{
		MaxSessions:    cfg.MaxSessions,
		WorkDir:        cfg.WorkDir,
		Shell:          cfg.Shell,
		AgentBinary:    cfg.AgentBinary,
		Model:          cfg.Model,
		PermissionMode: cfg.PermissionMode,
	}, func(ev session.Event) {
		if b != nil {
			b.HandleEvent(ev)
		}
	})

	b = broker.New(broker.Config{
		AuthRequired:  cfg.AuthRequired,
		Token:         cfg.APIToken,
		ServerMode:    "cli",
		ServerVersion: serverVersion,
		Cwd:           cfg.WorkDir,
	}, mgr)

	// Permission hook: the agent's pre-tool hook curls our bridge and blocks
	// on a client decision.
	hookCmd := fmt.Sprintf(
		`curl -s -X POST "http://localhost:%d/permission?token=%s" -H "Content-Type: application/json" -d @-`,
		cfg.Port, cfg.APIToken,
	)
	home, _ := os.UserHomeDir()
	hookMgr := hooks.NewManager(filepath.Join(home, ".claude", "settings.json"), hookCmd)
	if err := hookMgr.Register(); err != nil {
		log.Printf("[serve] hook registration: %v", err)
	}
	defer func() {
		if err := hookMgr.Unregister(); err != nil {
			log.Printf("[serve] hook removal: %v", err)
		}
	}()

	// Resume sessions a previous instance persisted, if recent enough.
	persister, err := session.NewStatePersister(cfg.SessionStateFile(), cfg.FernetKeyFile())
	if err != nil {
		log.Printf("[serve] state persister: %v", err)
	} else if n := persister.RestoreInto(mgr); n > 0 {
		log.Printf("[serve] restored %d session(s)", n)
	}

	// Nothing restored: start with one fresh agent session so a connecting
	// client lands somewhere useful.
	if mgr.Count() == 0 {
		if _, err := mgr.Attach(session.AttachRequest{Name: "main"}); err != nil {
			log.Printf("[serve] initial session: %v", err)
		}
	}

	// Periodic discovery probe for attachable tmux sessions.
	cr := cron.New()
	cr.AddFunc(fmt.Sprintf("@every %ds", session.DiscoveryInterval), mgr.ProbeDiscovery)
	cr.Start()
	defer cr.Stop()

	srv := &http.Server{Handler: b.Router()}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		log.Fatalf("listen :%d: %v", cfg.Port, err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()
	b.MarkReady()
	log.Printf("[serve] listening on :%d", cfg.Port)

	// Report readiness to the supervisor, if one is attached.
	ipcReader, ipcWriter := supervisor.ChildIPC()
	if ipcWriter != nil {
		if err := ipcWriter.Send(supervisor.IPCMessage{Type: supervisor.MsgReady}); err != nil {
			log.Printf("[serve] ipc ready: %v", err)
		}
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ipcC := make(chan supervisor.IPCMessage, 1)
	if ipcReader != nil {
		go func() {
			for {
				msg, err := ipcReader.Next()
				if err != nil {
					close(ipcC)
					return
				}
				ipcC <- msg
			}
		}()
	}

	draining := false
	for {
		select {
		case msg, ok := <-ipcC:
			if !ok {
				// Supervisor is gone; treat it as a shutdown order.
				shutdownServe(srv, b, mgr, persister)
				return
			}
			switch msg.Type {
			case supervisor.MsgDrain:
				if draining {
					continue
				}
				draining = true
				drainServe(b, mgr, persister)
				if err := ipcWriter.Send(supervisor.IPCMessage{Type: supervisor.MsgDrainComplete}); err != nil {
					log.Printf("[serve] ipc drain_complete: %v", err)
				}
			case supervisor.MsgShutdown:
				shutdownServe(srv, b, mgr, persister)
				return
			}
		case <-sigCtx.Done():
			shutdownServe(srv, b, mgr, persister)
			return
		}
	}
}

// drainServe persists session state, lets busy sessions finish, and closes
// all client sockets with the restart code.
func drainServe(b *broker.Broker, mgr *session.Manager, persister *session.StatePersister) {
	if persister != nil {
		if err := persister.Save(mgr); err != nil {
			log.Printf("[serve] persist sessions: %v", err)
		}
	}

	deadline := time.Now().Add(drainWait)
	for !mgr.AllIdle() && time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)
	}

	b.Drain()
	log.Printf("[serve] drain complete")
}

func shutdownServe(srv *http.Server, b *broker.Broker, mgr *session.Manager, persister *session.StatePersister) {
	if persister != nil {
		if err := persister.Save(mgr); err != nil {
			log.Printf("[serve] persist sessions: %v", err)
		}
	}
	b.Drain()
	mgr.DestroyAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	log.Printf("[serve] stopped")
}
