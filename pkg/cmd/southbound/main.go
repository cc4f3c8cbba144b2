package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/klog/v2"

	"github.com/ibm/ovsdb-southbound/pkg/admin"
	"github.com/ibm/ovsdb-southbound/pkg/config"
	"github.com/ibm/ovsdb-southbound/pkg/datastore"
	"github.com/ibm/ovsdb-southbound/pkg/metrics"
	"github.com/ibm/ovsdb-southbound/pkg/ownership"
	"github.com/ibm/ovsdb-southbound/pkg/reconciliation"
	"github.com/ibm/ovsdb-southbound/pkg/southbound"
	"github.com/ibm/ovsdb-southbound/pkg/wire"
)

var GitCommit string

var pidfile string

func main() {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "ovsdb-southbound",
		Short: "Manage OVSDB switches from a cluster of controllers",
		Long: "Accepts and opens OVSDB management sessions, elects one cluster member as owner of each switch, " +
			"mirrors the switch state into the datastore and pushes the configured bridges to the switches. " +
			"Every flag can be set with an OVSDB_SB_<FLAG> environment variable, e.g. OVSDB_SB_READ_TIMEOUT=5s",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			config.InitEnv(v)
			return v.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.AddFlags(cmd.Flags())
	cmd.Flags().StringVar(&pidfile, "pid-file", "", "Name of file that will hold the pid")
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	cmd.Flags().AddGoFlagSet(klogFlags)
	defer klog.Flush()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFile == "" {
		return
	}
	klog.SetOutput(&lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogFileMaxSize, // megabytes
		MaxBackups: cfg.LogFileMaxBackups,
		MaxAge:     cfg.LogFileMaxAge, // days
		Compress:   true,
	})
}

func run(ctx context.Context, cfg *config.Config) error {
	setupLogging(cfg)
	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("node id is not set and the host name is unknown: %w", err)
		}
		cfg.NodeID = host
	}
	klog.Infof("Start the ovsdb southbound controller, last commit %q, member %s", GitCommit, cfg.NodeID)
	klog.V(3).Infof("configuration: %+v", *cfg)

	if pidfile != "" {
		defer delPidfile(pidfile)
		if err := setupPIDFile(pidfile); err != nil {
			return err
		}
	}

	var cli *clientv3.Client
	if cfg.UsesEtcd() {
		var err error
		cli, err = datastore.NewEtcdClient(ctx, cfg.EtcdEndpoints, cfg.DialTimeout)
		if err != nil {
			return err
		}
		defer cli.Close()
	}

	var broker datastore.Broker
	if cfg.Datastore == config.BackendEtcd {
		broker = datastore.NewEtcdStore(cli, cfg.EtcdPrefix, klog.NewKlogr().WithName("datastore"))
	} else {
		klog.Warning("using the in-memory datastore, the state is lost on exit")
		broker = datastore.NewMemoryStore(cfg.EtcdPrefix, klog.NewKlogr().WithName("datastore"))
	}

	var service ownership.Service
	if cfg.Ownership == config.BackendEtcd {
		es, err := ownership.NewEtcdService(ctx, cli, cfg.EtcdPrefix, cfg.NodeID, cfg.SessionTTL, klog.NewKlogr().WithName("ownership"))
		if err != nil {
			return err
		}
		service = es
	} else {
		klog.Warning("using single member in-memory ownership")
		service = ownership.NewMemoryCluster().Member(cfg.NodeID)
	}
	defer service.Close()

	metrics.Register(prometheus.DefaultRegisterer)

	reconciler := reconciliation.NewManager(reconciliation.Config{
		Workers:        cfg.ReconciliationWorkers,
		MaxRetries:     cfg.MaxReconcileRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	reconciler.Start()
	defer reconciler.Stop()

	tlsOpts := wire.TLSOptions{
		CertFile:    cfg.TLSCert,
		KeyFile:     cfg.TLSKey,
		CAFile:      cfg.TLSCA,
		Version:     cfg.SSLVersion,
		CipherSuite: cfg.SSLCipherSuite,
	}
	var tlsConf *tls.Config
	var dialer southbound.Dialer
	if tlsOpts.Enabled() {
		var err error
		if tlsConf, err = tlsOpts.Config(); err != nil {
			return err
		}
		dialer = wire.TLSDialer(tlsConf)
	}

	manager := southbound.NewConnectionManager(southbound.Config{
		DBListTimeout:     cfg.DBListTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		DialTimeout:       cfg.DialTimeout,
		OperTimeout:       cfg.OperTimeout,
		OperDeleteTimeout: cfg.OperDeleteTimeout,
		InvokerQueueSize:  cfg.InvokerQueueSize,
	}, broker, service, reconciler, dialer)
	if err := manager.Start(); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	defer manager.Close()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.ListenAddress != "" {
		srv := wire.NewServer(cfg.ListenAddress, manager)
		if tlsConf != nil {
			srv.WithTLS(tlsConf)
		}
		if err := srv.Listen(); err != nil {
			return err
		}
		klog.Infof("Listening for switches at %v...", srv.Addr())
		g.Go(func() error { return srv.Serve(gctx) })
	}
	if cfg.AdminAddress != "" {
		lst, err := net.Listen("tcp", cfg.AdminAddress)
		if err != nil {
			return fmt.Errorf("admin listen: %w", err)
		}
		klog.Infof("Admin endpoint at %v...", lst.Addr())
		srv := admin.NewServer(admin.NewService(manager), 0)
		g.Go(func() error { return srv.Serve(gctx, lst) })
	}
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		hs := &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			klog.Infof("Metrics at %s/metrics", cfg.MetricsAddress)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	<-gctx.Done()
	klog.Infof("Shutting down: %v", context.Cause(gctx))
	return g.Wait()
}
