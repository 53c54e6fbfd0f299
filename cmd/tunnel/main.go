// Command tunnel runs one side of a symmetric TLS tunnel multiplexing
// daemon: server listens for a peer and accepts forwarded connections;
// client dials a peer and does the same.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/mod/semver"

	"github.com/alexandrkondratenko/tunnel/db/tunneldb"
	"github.com/alexandrkondratenko/tunnel/internal/logging"
	"github.com/alexandrkondratenko/tunnel/internal/tlsconn"
	"github.com/alexandrkondratenko/tunnel/internal/tunnel"
	"github.com/alexandrkondratenko/tunnel/internal/tunnelmetrics"
)

// buildVersion is this binary's release version, reported by --version and
// validated at startup as a well-formed semver string before it's trusted
// anywhere else.
const buildVersion = "v0.1.0"

func init() {
	if !semver.IsValid(buildVersion) {
		panic("tunnel: buildVersion is not a valid semver: " + buildVersion)
	}
}

// sharedOpt holds the flags common to both subcommands.
type sharedOpt struct {
	Target      string
	Forward     []uint64
	Mapping     map[uint64]uint64
	Reconnect   time.Duration
	KeepAlive   time.Duration
	MaxPortConn int
	Cert        string
	Key         string
	EnvFile     string
	LogFile     string
	LogLevel    string
	AuditDB     string
	DebugAddr   string
	Help        bool
}

func registerShared(fs *pflag.FlagSet, o *sharedOpt) {
	fs.StringVar(&o.Target, "target", "localhost", "Host that locally-dialed outbound connections go to")
	fs.Var((*portListValue)(&o.Forward), "forward", "Advertised forward ports (repeatable, or comma-separated)")
	fs.Var((*mappingValue)(&o.Mapping), "mapping", "Remap an advertised port to a local bind port, as a:b (repeatable)")
	fs.DurationVar(&o.Reconnect, "reconnect", 60*time.Second, "Dialer-role wait between reconnect attempts")
	fs.DurationVar(&o.KeepAlive, "keepalive", 60*time.Second, "Keep-alive frame period")
	fs.IntVar(&o.MaxPortConn, "max-port-conns", 0, "Cap concurrent forwarded connections per port (0 disables)")
	fs.StringVar(&o.Cert, "cert", "", "PEM certificate path")
	fs.StringVar(&o.Key, "key", "", "PEM private key path (server only)")
	fs.StringVar(&o.EnvFile, "env-file", "", "Pre-seed flags not set on the command line from this env file")
	fs.StringVar(&o.LogFile, "log-file", "", "Write logs to this file in addition to stdout")
	fs.StringVar(&o.LogLevel, "log-level", "info", "Minimum log level (trace, debug, info, warn, error)")
	fs.StringVar(&o.AuditDB, "audit-db", "", "Optional sqlite3 path for the stream-event audit log")
	fs.StringVar(&o.DebugAddr, "debug-addr", "", "Address for an insecure debug server exposing /metrics and /debug/pprof (disabled if empty)")
	fs.BoolVarP(&o.Help, "help", "h", false, "Show this help text")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "server":
		runServer(os.Args[2:])
	case "client":
		runClient(os.Args[2:])
	case "-h", "--help":
		usage()
		os.Exit(0)
	case "-v", "--version":
		fmt.Println(buildVersion)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s server <port> [options]\n       %s client <host> <port> [options]\n", os.Args[0], os.Args[0])
}

func runServer(args []string) {
	fs := pflag.NewFlagSet("server", pflag.ExitOnError)
	var o sharedOpt
	registerShared(fs, &o)
	preSeedFromEnvFile(fs, args)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if o.Help || fs.NArg() != 1 {
		fmt.Printf("usage: %s server <port> [options]\n\noptions:\n%s", os.Args[0], fs.FlagUsages())
		os.Exit(boolToExit(o.Help))
	}
	port, err := strconv.ParseUint(fs.Arg(0), 10, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid port %q: %v\n", fs.Arg(0), err)
		os.Exit(2)
	}
	if o.Cert == "" || o.Key == "" {
		fmt.Fprintln(os.Stderr, "error: --cert and --key are required")
		os.Exit(2)
	}

	cfg, logger, hooks, cleanup := bootstrap(&o, tunnel.RoleServer)
	defer cleanup()

	ln, err := tlsconn.NewServerListener(fmt.Sprintf(":%d", port), o.Cert, o.Key)
	if err != nil {
		logger.Err(err).Msg("failed to start listener")
		os.Exit(1)
	}
	defer ln.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Uint64("port", port).Msg("listening for peer")
	if err := tunnel.RunServer(ctx, ln, cfg, logger, hooks); err != nil {
		logger.Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

func runClient(args []string) {
	fs := pflag.NewFlagSet("client", pflag.ExitOnError)
	var o sharedOpt
	registerShared(fs, &o)
	preSeedFromEnvFile(fs, args)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if o.Help || fs.NArg() != 2 {
		fmt.Printf("usage: %s client <host> <port> [options]\n\noptions:\n%s", os.Args[0], fs.FlagUsages())
		os.Exit(boolToExit(o.Help))
	}
	host := fs.Arg(0)
	port, err := strconv.ParseUint(fs.Arg(1), 10, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid port %q: %v\n", fs.Arg(1), err)
		os.Exit(2)
	}
	if o.Cert == "" {
		fmt.Fprintln(os.Stderr, "error: --cert is required")
		os.Exit(2)
	}

	cfg, logger, hooks, cleanup := bootstrap(&o, tunnel.RoleClient)
	defer cleanup()

	dialer, err := tlsconn.NewClientDialer(fmt.Sprintf("%s:%d", host, port), o.Cert)
	if err != nil {
		logger.Err(err).Msg("failed to configure dialer")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("host", host).Uint64("port", port).Msg("dialing peer")
	if err := tunnel.RunClient(ctx, dialer, cfg, logger, hooks); err != nil {
		logger.Err(err).Msg("client stopped")
		os.Exit(1)
	}
}

// bootstrap builds the logging, metrics, audit, and config layers shared by
// both subcommands, and returns a cleanup func the caller must defer.
func bootstrap(o *sharedOpt, role tunnel.Role) (cfg *tunnel.Config, logger zerolog.Logger, hooks tunnel.Hooks, cleanup func()) {
	level, err := zerolog.ParseLevel(o.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid --log-level: %v\n", err)
		os.Exit(2)
	}
	base, rotate, err := logging.New(logging.Config{
		StdoutPretty: true,
		StdoutLevel:  level,
		File:         o.LogFile,
		FileLevel:    level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: configure logging: %v\n", err)
		os.Exit(1)
	}
	var sessionID string
	logger, sessionID = logging.WithSessionID(base)
	_ = rotate // wired to SIGHUP below

	m := tunnelmetrics.New()
	all := tunnel.MultiHooks{m}

	var closers []func()
	if o.DebugAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			m.WritePrometheus(w)
		})
		go func() {
			logger.Warn().Str("addr", o.DebugAddr).Msg("running insecure debug server")
			if err := http.ListenAndServe(o.DebugAddr, mux); err != nil {
				logger.Warn().Err(err).Msg("debug server failed")
			}
		}()
	}

	var auditWriter *tunneldb.Writer
	if o.AuditDB != "" {
		db, err := tunneldb.Open(o.AuditDB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: open audit db: %v\n", err)
			os.Exit(1)
		}
		auditWriter = tunneldb.NewWriter(db, logger)
		all = append(all, tunneldb.NewAuditHooks(auditWriter, role, sessionID))
		closers = append(closers, func() { auditWriter.Close(); db.Close() })
	}

	if hch := make(chan os.Signal, 1); o.LogFile != "" {
		signal.Notify(hch, syscall.SIGHUP)
		go func() {
			for range hch {
				if rotate != nil {
					if err := rotate(); err != nil {
						logger.Err(err).Msg("log rotation failed")
					}
				}
			}
		}()
	}

	cfg = &tunnel.Config{
		Role:            role,
		Target:          o.Target,
		Forward:         o.Forward,
		Mapping:         o.Mapping,
		Reconnect:       o.Reconnect,
		KeepAlivePeriod: o.KeepAlive,
		MaxPortConns:    o.MaxPortConn,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid configuration: %v\n", err)
		os.Exit(2)
	}

	hooks = all
	cleanup = func() {
		for _, c := range closers {
			c()
		}
	}
	return
}

// preSeedFromEnvFile reads --env-file out of args by hand (before the real
// parse, which needs the set's other flags defined first) and pre-seeds
// flag defaults from that file's keys via hashicorp/go-envparse. A key names
// a flag after an optional TUNNEL_ prefix is stripped, the rest lowercased
// and underscores turned into dashes; keys naming no flag are ignored.
func preSeedFromEnvFile(fs *pflag.FlagSet, args []string) {
	var path string
	for i, a := range args {
		if a == "--env-file" && i+1 < len(args) {
			path = args[i+1]
		} else if strings.HasPrefix(a, "--env-file=") {
			path = strings.TrimPrefix(a, "--env-file=")
		}
	}
	if path == "" {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()
	env, err := envparse.Parse(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse env file: %v\n", err)
		os.Exit(1)
	}
	for k, v := range env {
		name := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(k, "TUNNEL_"), "_", "-"))
		if f := fs.Lookup(name); f != nil {
			f.DefValue = v
			f.Value.Set(v)
		}
	}
}

func boolToExit(help bool) int {
	if help {
		return 0
	}
	return 2
}

// portListValue is a pflag.Value accumulating repeated or comma-separated
// ports into a []uint64.
type portListValue []uint64

func (v *portListValue) String() string {
	s := make([]string, len(*v))
	for i, p := range *v {
		s[i] = strconv.FormatUint(p, 10)
	}
	return strings.Join(s, ",")
}

func (v *portListValue) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", part, err)
		}
		*v = append(*v, p)
	}
	return nil
}

func (v *portListValue) Type() string { return "ports" }

// mappingValue is a pflag.Value accumulating repeated "a:b" pairs into a
// map[uint64]uint64.
type mappingValue map[uint64]uint64

func (v *mappingValue) String() string {
	var parts []string
	for a, b := range *v {
		parts = append(parts, fmt.Sprintf("%d:%d", a, b))
	}
	return strings.Join(parts, ",")
}

func (v *mappingValue) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, b, ok := strings.Cut(part, ":")
		if !ok {
			return fmt.Errorf("invalid mapping %q: expected a:b", part)
		}
		av, err := strconv.ParseUint(a, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid mapping %q: %w", part, err)
		}
		bv, err := strconv.ParseUint(b, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid mapping %q: %w", part, err)
		}
		if *v == nil {
			*v = make(map[uint64]uint64)
		}
		(*v)[av] = bv
	}
	return nil
}

func (v *mappingValue) Type() string { return "mapping" }
