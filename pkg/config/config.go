package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "ovsdb_sb"

const (
	BackendEtcd   = "etcd"
	BackendMemory = "memory"
)

// Config holds the settings of a southbound controller process.
type Config struct {
	NodeID        string
	ListenAddress string

	EtcdEndpoints []string
	EtcdPrefix    string
	Datastore     string
	Ownership     string
	SessionTTL    time.Duration

	DialTimeout       time.Duration
	DBListTimeout     time.Duration
	ReadTimeout       time.Duration
	OperTimeout       time.Duration
	OperDeleteTimeout time.Duration
	InvokerQueueSize  int

	ReconciliationWorkers int
	MaxReconcileRetries   int
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration

	// TLS of the switch sessions, plain tcp when no certificate is set
	TLSCert        string
	TLSKey         string
	TLSCA          string
	SSLVersion     string
	SSLCipherSuite string

	AdminAddress   string
	MetricsAddress string

	LogFile           string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
}

func Default() Config {
	return Config{
		ListenAddress:         ":6640",
		EtcdEndpoints:         []string{"localhost:2379"},
		EtcdPrefix:            "ovsdb-southbound",
		Datastore:             BackendEtcd,
		Ownership:             BackendEtcd,
		SessionTTL:            10 * time.Second,
		DialTimeout:           30 * time.Second,
		DBListTimeout:         10 * time.Second,
		ReadTimeout:           10 * time.Second,
		OperTimeout:           60 * time.Second,
		OperDeleteTimeout:     10 * time.Second,
		InvokerQueueSize:      10000,
		ReconciliationWorkers: 4,
		MaxReconcileRetries:   10,
		RetryBaseDelay:        time.Second,
		RetryMaxDelay:         5 * time.Minute,
		AdminAddress:          "127.0.0.1:6641",
		MetricsAddress:        ":9476",
		LogFileMaxSize:        100,
		LogFileMaxBackups:     5,
		LogFileMaxAge:         5,
	}
}

// AddFlags registers one flag per setting, with the defaults as flag defaults.
func AddFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("node-id", d.NodeID, "Identifier of this cluster member, the host name when empty")
	flags.String("listen-address", d.ListenAddress, "Address accepting switch initiated sessions, empty disables it")
	flags.StringSlice("etcd-endpoints", d.EtcdEndpoints, "etcd endpoints, separated by ','")
	flags.String("etcd-prefix", d.EtcdPrefix, "Prefix of all the keys the controller writes")
	flags.String("datastore", d.Datastore, "Datastore backend (etcd|memory)")
	flags.String("ownership", d.Ownership, "Ownership backend (etcd|memory)")
	flags.Duration("session-ttl", d.SessionTTL, "TTL of the etcd lease holding the ownership candidacies")
	flags.Duration("dial-timeout", d.DialTimeout, "Timeout of controller initiated connections and of the etcd connection")
	flags.Duration("db-list-timeout", d.DBListTimeout, "Timeout of the database listing of a new session")
	flags.Duration("read-timeout", d.ReadTimeout, "Timeout of datastore reads and switch requests")
	flags.Duration("oper-timeout", d.OperTimeout, "Time a session may live without an operational record, 0 disables the check")
	flags.Duration("oper-delete-timeout", d.OperDeleteTimeout, "Time to wait for the operational record removal on disconnect")
	flags.Int("invoker-queue-size", d.InvokerQueueSize, "Capacity of the per switch transaction queue")
	flags.Int("reconciliation-workers", d.ReconciliationWorkers, "Number of reconciliation workers")
	flags.Int("max-reconcile-retries", d.MaxReconcileRetries, "Retries of a failed reconciliation task")
	flags.Duration("retry-base-delay", d.RetryBaseDelay, "First retry delay of a failed reconciliation task")
	flags.Duration("retry-max-delay", d.RetryMaxDelay, "Maximum retry delay of a failed reconciliation task")
	flags.String("tls-cert", d.TLSCert, "Certificate of the switch sessions, enables ssl")
	flags.String("tls-key", d.TLSKey, "Private key of the certificate")
	flags.String("tls-ca", d.TLSCA, "CA certificate verifying the switches")
	flags.String("ssl-version", d.SSLVersion, "Pin the ssl version, e.g. VersionTLS12")
	flags.String("ssl-cipher-suite", d.SSLCipherSuite, "Pin the ssl cipher suite")
	flags.String("admin-address", d.AdminAddress, "Address of the JSON-RPC admin endpoint, empty disables it")
	flags.String("metrics-address", d.MetricsAddress, "Address of the prometheus endpoint, empty disables it")
	flags.String("logfile", d.LogFile, "Log file, rotated when set")
	flags.Int("logfile-maxsize", d.LogFileMaxSize, "Maximum size in megabytes of the log file before rotation")
	flags.Int("logfile-maxbackups", d.LogFileMaxBackups, "Maximum number of rotated log files to keep")
	flags.Int("logfile-maxage", d.LogFileMaxAge, "Maximum number of days to keep rotated log files")
}

// InitEnv loads the .env files of the working directory and makes v read OVSDB_SB_* variables.
func InitEnv(v *viper.Viper) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from v, which has flags and environment bound.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		NodeID:                v.GetString("node-id"),
		ListenAddress:         v.GetString("listen-address"),
		EtcdEndpoints:         v.GetStringSlice("etcd-endpoints"),
		EtcdPrefix:            v.GetString("etcd-prefix"),
		Datastore:             v.GetString("datastore"),
		Ownership:             v.GetString("ownership"),
		SessionTTL:            v.GetDuration("session-ttl"),
		DialTimeout:           v.GetDuration("dial-timeout"),
		DBListTimeout:         v.GetDuration("db-list-timeout"),
		ReadTimeout:           v.GetDuration("read-timeout"),
		OperTimeout:           v.GetDuration("oper-timeout"),
		OperDeleteTimeout:     v.GetDuration("oper-delete-timeout"),
		InvokerQueueSize:      v.GetInt("invoker-queue-size"),
		ReconciliationWorkers: v.GetInt("reconciliation-workers"),
		MaxReconcileRetries:   v.GetInt("max-reconcile-retries"),
		RetryBaseDelay:        v.GetDuration("retry-base-delay"),
		RetryMaxDelay:         v.GetDuration("retry-max-delay"),
		TLSCert:               v.GetString("tls-cert"),
		TLSKey:                v.GetString("tls-key"),
		TLSCA:                 v.GetString("tls-ca"),
		SSLVersion:            v.GetString("ssl-version"),
		SSLCipherSuite:        v.GetString("ssl-cipher-suite"),
		AdminAddress:          v.GetString("admin-address"),
		MetricsAddress:        v.GetString("metrics-address"),
		LogFile:               v.GetString("logfile"),
		LogFileMaxSize:        v.GetInt("logfile-maxsize"),
		LogFileMaxBackups:     v.GetInt("logfile-maxbackups"),
		LogFileMaxAge:         v.GetInt("logfile-maxage"),
	}
	// environment values are not split by viper
	if len(cfg.EtcdEndpoints) == 1 && strings.Contains(cfg.EtcdEndpoints[0], ",") {
		cfg.EtcdEndpoints = strings.Split(cfg.EtcdEndpoints[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.EtcdPrefix == "" || strings.Contains(c.EtcdPrefix, "/") {
		return fmt.Errorf("illegal etcd prefix %q", c.EtcdPrefix)
	}
	for name, backend := range map[string]string{"datastore": c.Datastore, "ownership": c.Ownership} {
		if backend != BackendEtcd && backend != BackendMemory {
			return fmt.Errorf("unknown %s backend %q", name, backend)
		}
	}
	if c.UsesEtcd() && len(c.EtcdEndpoints) == 0 {
		return fmt.Errorf("etcd endpoints are required by the etcd backends")
	}
	if c.Ownership == BackendEtcd && c.SessionTTL < time.Second {
		return fmt.Errorf("session ttl %v is shorter than a second", c.SessionTTL)
	}
	if c.InvokerQueueSize <= 0 {
		return fmt.Errorf("invoker queue size must be positive, got %d", c.InvokerQueueSize)
	}
	if c.ReconciliationWorkers <= 0 {
		return fmt.Errorf("reconciliation workers must be positive, got %d", c.ReconciliationWorkers)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry max delay %v is shorter than the base delay %v", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls certificate and key must be set together")
	}
	for name, d := range map[string]time.Duration{
		"dial timeout":        c.DialTimeout,
		"db list timeout":     c.DBListTimeout,
		"read timeout":        c.ReadTimeout,
		"oper delete timeout": c.OperDeleteTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	return nil
}

func (c *Config) UsesEtcd() bool {
	return c.Datastore == BackendEtcd || c.Ownership == BackendEtcd
}
