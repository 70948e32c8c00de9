// clawdeck is a personal remote-control server for driving an AI coding
// agent from a phone. The default mode runs the supervisor, which owns the
// tunnel and the child lifecycle; `clawdeck serve` is the child server the
// supervisor spawns.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/clawdeck/clawdeck/internal/config"
	"github.com/clawdeck/clawdeck/internal/supervisor"
	"github.com/clawdeck/clawdeck/internal/tunnel"
)

const serverVersion = "1.0.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "restart":
			signalSupervisor(syscall.SIGHUP)
			return
		case "deploy-completed":
			signalSupervisor(syscall.SIGUSR2)
			return
		}
	}
	runSupervisor(os.Args[1:])
}

// parseFlags builds the shared flag set and loads the merged configuration.
func parseFlags(name string, args []string) *config.Settings {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	token := fs.String("token", "", "API token for client auth")
	port := fs.Int("port", 0, "external HTTP/WS port")
	tunnelMode := fs.String("tunnel-mode", "", "tunnel mode: quick or named")
	workDir := fs.String("workdir", "", "default working directory for sessions")
	fs.Parse(args)

	var ov config.Overrides
	if *token != "" {
		ov.APIToken = token
	}
	if *port != 0 {
		ov.Port = port
	}
	if *tunnelMode != "" {
		ov.TunnelMode = tunnelMode
	}
	if *workDir != "" {
		ov.WorkDir = workDir
	}

	cfg, err := config.Load(*configPath, ov)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func runSupervisor(args []string) {
	cfg := parseFlags("clawdeck", args)

	tun, err := tunnel.NewManager(tunnel.Config{
		Mode:     cfg.TunnelMode,
		Port:     cfg.Port,
		Hostname: cfg.TunnelHostname,
		Name:     cfg.TunnelName,
	}, nil)
	if err != nil {
		log.Fatalf("tunnel: %v", err)
	}

	store := supervisor.NewDeployStore(cfg.DeployStateFile(), cfg.KnownGoodRefFile())
	sup, err := supervisor.New(supervisor.Options{
		Port:     cfg.Port,
		Launcher: supervisor.ExecChildLauncher,
		Store:    store,
		Reverter: &gitReverter{dir: cfg.WorkDir},
		Revision: func() (string, error) { return gitRevision(cfg.WorkDir) },
		PIDPath:  cfg.PIDFile(),
		OnFatal: func(err error) {
			log.Printf("fatal: %v", err)
			os.Exit(1)
		},
	})
	if err != nil {
		log.Fatalf("supervisor: %v", err)
	}

	tun.Subscribe(func(ev tunnel.Event) {
		switch ev.Type {
		case tunnel.EventRecovered:
			log.Printf("tunnel recovered: %s", ev.HTTPURL)
		case tunnel.EventURLChanged:
			log.Printf("tunnel URL changed: %s -> %s", ev.OldURL, ev.NewURL)
		case tunnel.EventFailed:
			// Recovery budget exhausted; the external URL is dead and the
			// supervisor has nothing left to supervise for.
			log.Printf("tunnel failed permanently: %s", ev.Message)
			sup.Shutdown(syscall.SIGTERM)
		}
	})

	urls, err := tun.Start()
	if err != nil {
		log.Fatalf("tunnel: %v", err)
	}
	fmt.Printf("clawdeck ready\n  http: %s\n  ws:   %s\n", urls.HTTPURL, urls.WSURL)

	if err := sup.Start(); err != nil {
		tun.Stop()
		log.Fatalf("supervisor: %v", err)
	}

	sigC := make(chan os.Signal, 4)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR2)
	go func() {
		for sig := range sigC {
			switch sig {
			case syscall.SIGHUP:
				log.Printf("restart requested")
				sup.Restart()
			case syscall.SIGUSR2:
				log.Printf("deploy marker recorded")
				if err := sup.DeployCompleted(); err != nil {
					log.Printf("deploy marker: %v", err)
				}
			default:
				log.Printf("shutting down (%s)", sig)
				tun.Stop()
				sup.Shutdown(sig)
			}
		}
	}()

	<-sup.Done()
}

// signalSupervisor delivers a control signal to the running supervisor found
// through the PID file.
func signalSupervisor(sig syscall.Signal) {
	cfg := parseFlags("clawdeck", nil)
	b, err := os.ReadFile(cfg.PIDFile())
	if err != nil {
		log.Fatalf("no running supervisor: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		log.Fatalf("bad PID file: %v", err)
	}
	if err := syscall.Kill(pid, sig); err != nil {
		log.Fatalf("signal supervisor (pid %d): %v", pid, err)
	}
}

// gitReverter rolls the working tree back to a known-good revision.
type gitReverter struct {
	dir string
}

func (g *gitReverter) Revert(ref string) error {
	cmd := exec.Command("git", "checkout", "--force", ref)
	cmd.Dir = g.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git checkout %s: %v: %s", ref, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// gitRevision reports the currently checked-out revision.
func gitRevision(dir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
