package wire

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"github.com/ibm/ovsdb-southbound/pkg/model"
)

// Server accepts switch initiated (passive) management sessions.
type Server struct {
	address  string
	listener ConnectionListener
	tlsConf  *tls.Config

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func NewServer(address string, listener ConnectionListener) *Server {
	return &Server{address: address, listener: listener}
}

// WithTLS makes the server accept ssl: sessions only; it must be called before Listen.
func (s *Server) WithTLS(conf *tls.Config) *Server {
	s.tlsConf = conf
	return s
}

// Listen binds the listening socket; Serve calls it when it was not called before.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.address, err)
	}
	if s.tlsConf != nil {
		ln = tls.NewListener(ln, s.tlsConf)
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts sessions until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	klog.Infof("ovsdb listener started on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				klog.Infof("ovsdb listener on %s stopped", ln.Addr())
				return nil
			}
			klog.Errorf("accept on %s: %v", ln.Addr(), err)
			continue
		}
		c := newRPCClient(conn, false, s.listener)
		klog.V(3).Infof("switch initiated session from %s", conn.RemoteAddr())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.listener.Connected(c)
		}()
	}
}

// Dial opens a controller initiated (active) session. Transient dial failures are retried with
// exponential backoff until the timeout expires.
func Dial(ctx context.Context, addr model.SwitchAddress, timeout time.Duration, listener ConnectionListener) (Client, error) {
	return dial(ctx, addr, timeout, listener, nil)
}

// TLSDialer returns a Dial that opens ssl: sessions.
func TLSDialer(conf *tls.Config) func(context.Context, model.SwitchAddress, time.Duration, ConnectionListener) (Client, error) {
	return func(ctx context.Context, addr model.SwitchAddress, timeout time.Duration, listener ConnectionListener) (Client, error) {
		return dial(ctx, addr, timeout, listener, conf)
	}
}

func dial(ctx context.Context, addr model.SwitchAddress, timeout time.Duration, listener ConnectionListener, conf *tls.Config) (Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	target := addr.Remote().String()
	var conn net.Conn
	op := func() error {
		var err error
		if conf != nil {
			d := tls.Dialer{Config: conf}
			conn, err = d.DialContext(ctx, "tcp", target)
		} else {
			var d net.Dialer
			conn, err = d.DialContext(ctx, "tcp", target)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)); err != nil {
		return nil, fmt.Errorf("dial switch %s: %w", target, err)
	}
	klog.V(3).Infof("controller initiated session to %s", target)
	return newRPCClient(conn, true, listener), nil
}
