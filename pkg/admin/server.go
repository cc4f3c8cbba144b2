package admin

import (
	"context"
	"net"
	"sync"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
	"github.com/creachadair/jrpc2/metrics"
	"k8s.io/klog/v2"
)

// Server exposes a Service as JSON-RPC over raw JSON streams, the framing ovsdb clients use.
type Server struct {
	service *Service
	options *jrpc2.ServerOptions
	wg      sync.WaitGroup
}

func NewServer(service *Service, concurrency int) *Server {
	return &Server{
		service: service,
		options: &jrpc2.ServerOptions{
			Concurrency: concurrency,
			Metrics:     metrics.New(),
			AllowV1:     true,
		},
	}
}

// ServeConn serves one client until the connection closes.
func (s *Server) ServeConn(conn net.Conn) {
	srv := jrpc2.NewServer(s.service.Methods(), s.options)
	srv.Start(channel.RawJSON(conn, conn))
	stat := srv.WaitStatus()
	klog.V(5).Infof("admin connection from %v stopped, success %v, err %v", conn.RemoteAddr(), stat.Success(), stat.Err)
}

// Serve accepts admin connections until the context is cancelled.
func (s *Server) Serve(ctx context.Context, lst net.Listener) error {
	go func() {
		<-ctx.Done()
		lst.Close()
	}()
	defer s.wg.Wait()
	for {
		conn, err := lst.Accept()
		if err != nil {
			if ctx.Err() != nil || channel.IsErrClosing(err) {
				return nil
			}
			klog.Errorf("admin accept: %v", err)
			return err
		}
		klog.V(5).Infof("admin connection from %v", conn.RemoteAddr())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()
			s.ServeConn(conn)
		}()
	}
}
