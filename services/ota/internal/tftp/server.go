package tftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pin/tftp"
)

// Server serves the active firmware set read-only over TFTP. Requests
// naming subdirectories are refused so the backup and staging areas, and
// the release manifest, are never reachable.
type Server struct {
	root    string
	addr    string
	timeout time.Duration
	logger  *log.Logger
}

// NewServer builds a Server rooted at the active firmware directory.
func NewServer(root, addr string, timeout time.Duration, logger *log.Logger) (*Server, error) {
	if root == "" {
		return nil, errors.New("tftp root is required")
	}
	if addr == "" {
		addr = ":69"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{root: root, addr: addr, timeout: timeout, logger: logger}, nil
}

// Run listens until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := tftp.NewServer(s.readHandler, nil)
	srv.SetTimeout(s.timeout)

	udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.logger.Printf("INFO tftp listening on %s", s.addr)

	done := make(chan struct{})
	go func() {
		srv.Serve(conn)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		srv.Shutdown()
		<-done
		return nil
	}
}

func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	name := filepath.Base(filepath.Clean(filename))
	if name != filename || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".bin") {
		return fmt.Errorf("refusing to serve %q", filename)
	}

	f, err := os.Open(filepath.Join(s.root, name))
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := rf.ReadFrom(f); err != nil {
		return err
	}
	s.logger.Printf("INFO served firmware %s via TFTP", name)
	return nil
}
