// Package ipc is the daemon's control socket: one JSON request and one JSON
// reply per connection over a unix socket.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const DefaultSocket = "/tmp/vox.sock"

const ioTimeout = 5 * time.Second

type Request struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
}

type Reply struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Handler func(ctx context.Context, req Request) Reply

type Server struct {
	path    string
	ln      net.Listener
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Listen replaces any stale socket at path and starts serving.
func Listen(path string, handler Handler) (*Server, error) {
	if path == "" {
		path = DefaultSocket
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{path: path, ln: ln, handler: handler, ctx: ctx, cancel: cancel}
	s.wg.Add(1)
	go s.accept()

	log.Debug("Control socket listening", "path", path)
	return s, nil
}

func (s *Server) Path() string { return s.path }

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("Failed to accept control connection", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(ioTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		log.Warn("Failed to decode control request", "err", err)
		s.write(conn, Fail(fmt.Errorf("bad request: %w", err)))
		return
	}

	log.Debug("Control request", "cmd", req.Cmd, "args", req.Args)
	s.write(conn, s.handler(s.ctx, req))
}

func (s *Server) write(conn net.Conn, r Reply) {
	_ = conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if err := json.NewEncoder(conn).Encode(r); err != nil {
		log.Warn("Failed to write control reply", "err", err)
	}
}

// Close stops accepting, waits for in-flight requests and removes the socket.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ln.Close()
		s.wg.Wait()
		_ = os.Remove(s.path)
	})
	return err
}

// Send issues one request to the daemon listening on path.
func Send(ctx context.Context, path string, req Request) (Reply, error) {
	if path == "" {
		path = DefaultSocket
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Reply{}, fmt.Errorf("send: %w", err)
	}
	var r Reply
	if err := json.NewDecoder(conn).Decode(&r); err != nil {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}
	return r, nil
}

func OK(msg string) Reply {
	return Reply{OK: true, Message: msg}
}

// OKData attaches v as the reply data.
func OKData(msg string, v any) Reply {
	raw, err := json.Marshal(v)
	if err != nil {
		return Fail(fmt.Errorf("encode reply: %w", err))
	}
	return Reply{OK: true, Message: msg, Data: raw}
}

func Fail(err error) Reply {
	return Reply{Message: err.Error()}
}
