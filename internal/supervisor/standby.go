package supervisor

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// StandbyMetrics is what the standby listener reports to reconnecting
// clients while no child is serving.
type StandbyMetrics struct {
	Restarts      int       `json:"restarts"`
	LastCrash     time.Time `json:"lastCrash,omitempty"`
	SupervisorUp  time.Time `json:"supervisorUp"`
	DeployCrashes int       `json:"deployCrashes"`
}

// standbyServer answers GET / with {status:"restarting"} on the external
// port whenever no child holds it. A reconnecting mobile client uses this to
// tell "server restarting" from "tunnel dead".
type standbyServer struct {
	port    int
	metrics func() StandbyMetrics

	mu  sync.Mutex
	srv *http.Server
}

func newStandbyServer(port int, metrics func() StandbyMetrics) *standbyServer {
	return &standbyServer{port: port, metrics: metrics}
}

// start binds the listener. Failure to bind is logged, not fatal: the child
// may still hold the port for a few more milliseconds.
func (s *standbyServer) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "restarting",
			"metrics": s.metrics(),
		})
	})

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.port)))
	if err != nil {
		log.Printf("[supervisor] standby listener: %v", err)
		return
	}
	srv := &http.Server{Handler: mux}
	s.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[supervisor] standby server: %v", err)
		}
	}()
	log.Printf("[supervisor] standby server up on :%d", s.port)
}

// stop releases the port for the next child. Idempotent.
func (s *standbyServer) stop() {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
