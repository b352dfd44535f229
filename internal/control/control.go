// Package control implements the out-of-band unix-domain command
// socket: pause, resume, and snapshot. It is wired into the event
// loop rather than running its own goroutine, since control is a
// cooperative event-loop source like every other host I/O in this
// process — there is no thread dedicated to it.
package control

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/ShadowCurse/radiance/internal/eventloop"
)

// Controller is implemented by the machine wiring layer; it is the
// only thing the control socket is allowed to touch.
type Controller interface {
	Pause() error
	Resume() error
	Snapshot(path string) error
}

// Server owns the listening unix socket and the set of live
// connections registered with the event loop.
type Server struct {
	ln   *net.UnixListener
	lnFD int
	ctrl Controller
	loop *eventloop.Loop
	log  *slog.Logger

	conns map[int]*conn
}

type conn struct {
	c  *net.UnixConn
	fd int
	r  *bufio.Reader
}

// New binds a unix stream socket at path, removing a stale socket file
// left over from a previous run (and only a socket file — anything
// else at that path is left alone and reported as an error).
func New(path string, ctrl Controller, loop *eventloop.Loop, log *slog.Logger) (*Server, error) {
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: resolve %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("control: listen %s: %w", path, err)
	}
	f, err := ln.File()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("control: listener fd: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{ln: ln, lnFD: int(f.Fd()), ctrl: ctrl, loop: loop, log: log, conns: map[int]*conn{}}
	if err := loop.Register(s.lnFD, s.handleListenerReady); err != nil {
		ln.Close()
		return nil, fmt.Errorf("control: register listener: %w", err)
	}
	return s, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("control: stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("control: %s exists and is not a socket", path)
	}
	return os.Remove(path)
}

func (s *Server) Close() error {
	for fd, c := range s.conns {
		s.loop.Unregister(fd)
		c.c.Close()
	}
	return s.ln.Close()
}

func (s *Server) handleListenerReady(fd int) {
	nc, err := s.ln.AcceptUnix()
	if err != nil {
		s.log.Error("control: accept", "err", err)
		return
	}
	f, err := nc.File()
	if err != nil {
		s.log.Error("control: connection fd", "err", err)
		nc.Close()
		return
	}
	cfd := int(f.Fd())
	c := &conn{c: nc, fd: cfd, r: bufio.NewReader(nc)}
	s.conns[cfd] = c
	if err := s.loop.Register(cfd, s.handleConnReady); err != nil {
		s.log.Error("control: register connection", "err", err)
		nc.Close()
		delete(s.conns, cfd)
	}
}

func (s *Server) handleConnReady(fd int) {
	c, ok := s.conns[fd]
	if !ok {
		return
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		s.closeConn(c)
		return
	}
	if err := s.dispatch(strings.TrimSpace(line)); err != nil {
		s.log.Warn("control: protocol error, closing connection", "err", err)
		s.closeConn(c)
	}
}

func (s *Server) closeConn(c *conn) {
	s.loop.Unregister(c.fd)
	delete(s.conns, c.fd)
	c.c.Close()
}

func (s *Server) dispatch(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "pause":
		if err := s.ctrl.Pause(); err != nil {
			s.log.Error("control: pause", "err", err)
		}
	case "resume":
		if err := s.ctrl.Resume(); err != nil {
			s.log.Error("control: resume", "err", err)
		}
	case "snapshot":
		if len(fields) != 2 {
			return fmt.Errorf("snapshot requires exactly one path argument")
		}
		if err := s.ctrl.Snapshot(fields[1]); err != nil {
			s.log.Error("control: snapshot", "err", err)
		}
	default:
		s.log.Warn("control: unknown command", "command", fields[0])
	}
	return nil
}
