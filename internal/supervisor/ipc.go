package supervisor

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Parent↔child IPC message types. The channel is a dedicated pipe pair,
// never stdout/stderr, so agent noise can't corrupt control traffic.
const (
	MsgReady         = "ready"          // child → parent: WS listener is up
	MsgDrainComplete = "drain_complete" // child → parent: in-flight work done
	MsgDrain         = "drain"          // parent → child: stop accepting work
	MsgShutdown      = "shutdown"       // parent → child: exit now
)

// IPCMessage is one control frame.
type IPCMessage struct {
	Type string `json:"type"`
}

// maxIPCFrame bounds a single frame. Control messages are tiny; anything
// bigger is corruption.
const maxIPCFrame = 64 * 1024

// IPCWriter writes length-delimited JSON frames. Safe for concurrent use.
type IPCWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewIPCWriter wraps w.
func NewIPCWriter(w io.Writer) *IPCWriter { return &IPCWriter{w: w} }

// Send writes one frame: 4-byte big-endian length, then the JSON body.
func (iw *IPCWriter) Send(msg IPCMessage) error {
	body, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	iw.mu.Lock()
	defer iw.mu.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := iw.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = iw.w.Write(body)
	return err
}

// IPCReader reads length-delimited JSON frames.
type IPCReader struct {
	r io.Reader
}

// NewIPCReader wraps r.
func NewIPCReader(r io.Reader) *IPCReader { return &IPCReader{r: r} }

// Next blocks for the next frame. Returns io.EOF when the peer is gone.
func (ir *IPCReader) Next() (IPCMessage, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(ir.r, hdr[:]); err != nil {
		return IPCMessage{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxIPCFrame {
		return IPCMessage{}, fmt.Errorf("ipc: bad frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(ir.r, body); err != nil {
		return IPCMessage{}, err
	}
	var msg IPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return IPCMessage{}, fmt.Errorf("ipc: bad frame: %w", err)
	}
	return msg, nil
}
