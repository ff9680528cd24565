package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zde37/chordring/internal/api"
	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/internal/metrics"
	"github.com/zde37/chordring/internal/netinfo"
	"github.com/zde37/chordring/internal/transport"
	"github.com/zde37/chordring/pkg"
)

// options are the command line settings.
type options struct {
	host         string
	port         int
	httpPort     int
	bootstrap    string
	subnet       string
	probeLimit   int
	keyspaceBits uint
	authToken    string
	seed         int64
	logLevel     string
	logFormat    string
	logFile      string
	simulate     int

	// hostSet records whether -host was given; otherwise the node advertises
	// its address on the discovered subnet.
	hostSet bool
}

func parseFlags(args []string) (*options, error) {
	defaults := config.DefaultConfig()
	opts := &options{}

	fs := flag.NewFlagSet("chordring", flag.ContinueOnError)
	fs.StringVar(&opts.host, "host", defaults.Host, "Host address to bind to and advertise (default: address on the discovered subnet)")
	fs.IntVar(&opts.port, "port", defaults.Port, "Port for the ring gRPC server, shared by all peers")
	fs.IntVar(&opts.httpPort, "http-port", defaults.HTTPPort, "Port for the HTTP API server (0 disables it)")
	fs.StringVar(&opts.bootstrap, "bootstrap", "", "Comma-separated bootstrap candidates (host or host:port)")
	fs.StringVar(&opts.subnet, "subnet", "", "CIDR to probe for ring members when -bootstrap is empty (default: autodetect)")
	fs.IntVar(&opts.probeLimit, "probe-limit", defaults.ProbeLimit, "Maximum number of subnet hosts to probe (0 = all)")
	fs.UintVar(&opts.keyspaceBits, "keyspace-bits", 160, "Ring size as a power of two")
	fs.StringVar(&opts.authToken, "auth-token", "", "Shared secret required from peers (empty disables auth)")
	fs.Int64Var(&opts.seed, "seed", 0, "Seed for id generation (0 = time based)")
	fs.StringVar(&opts.logLevel, "log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "log-format", defaults.LogFormat, "Log format (json, console)")
	fs.StringVar(&opts.logFile, "log-file", "", "Also write logs to this file, rotated")
	fs.IntVar(&opts.simulate, "simulate", 0, "Join this many in-memory nodes, print the ring and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "host" {
			opts.hostSet = true
		}
	})
	return opts, nil
}

func (o *options) keyspace() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), o.keyspaceBits)
}

// nodeConfig builds the validated node settings.
func (o *options) nodeConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	cfg.Host = o.host
	cfg.Port = o.port
	cfg.HTTPPort = o.httpPort
	cfg.Keyspace = o.keyspace()
	cfg.BootstrapNodes = splitList(o.bootstrap)
	cfg.Subnet = o.subnet
	cfg.ProbeLimit = o.probeLimit
	cfg.AuthToken = o.authToken
	cfg.Seed = o.seed
	cfg.LogLevel = o.logLevel
	cfg.LogFormat = o.logFormat

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = opts.logLevel
	loggerConfig.Format = opts.logFormat
	if opts.logFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = opts.logFile
		loggerConfig.AsyncWrite = true
	}
	if opts.simulate > 0 && opts.logLevel == config.DefaultConfig().LogLevel {
		loggerConfig.Level = "warn"
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if opts.simulate > 0 {
		if err := runSimulation(context.Background(), os.Stdout, opts.simulate, opts.seed, opts.keyspace(), logger); err != nil {
			logger.Error().Err(err).Msg("Simulation failed")
			os.Exit(1)
		}
		return
	}

	cfg, err := opts.nodeConfig()
	if err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		os.Exit(1)
	}

	if err := run(cfg, opts.hostSet, logger); err != nil {
		logger.Error().Err(err).Msg("Node stopped with error")
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func run(cfg *config.Config, hostSet bool, logger *pkg.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client := transport.NewGRPCClient(cfg.Keyspace, cfg.AuthToken, cfg.RPCTimeout, logger)
	defer client.Close()

	// The subnet decides the advertised host, so it is resolved before the
	// node and its listener exist.
	var bootstrapper chord.Bootstrapper
	if len(cfg.BootstrapNodes) == 0 {
		subnet, err := localSubnet(ctx, cfg)
		if err != nil {
			logger.Warn().Err(err).Msg("Subnet discovery failed, a new ring will be formed")
		} else {
			if !hostSet && advertiseSubnetHost(cfg, subnet) {
				logger.Info().Str("host", cfg.Host).Msg("Advertising subnet address")
			}
			bootstrapper, err = subnetBootstrapper(cfg, subnet, client, logger)
			if err != nil {
				logger.Warn().Err(err).Msg("Subnet probing unavailable, a new ring will be formed")
			}
		}
	}

	node, err := chord.NewChordNode(cfg, client, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	node.SetMetrics(metrics.New(reg))
	if bootstrapper != nil {
		node.SetBootstrapper(bootstrapper)
	}

	grpcServer, err := transport.NewGRPCServer(node, cfg.Keyspace, cfg.Address(), cfg.AuthToken, logger)
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}
	if err := grpcServer.Start(); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}
	defer grpcServer.Stop()

	if cfg.HTTPPort > 0 {
		httpServer, err := api.NewServer(&api.Config{
			Host:          cfg.Host,
			HTTPPort:      cfg.HTTPPort,
			Gatherer:      reg,
			LookupTimeout: cfg.RPCTimeout,
		}, node, logger)
		if err != nil {
			return fmt.Errorf("failed to create HTTP API server: %w", err)
		}
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP API server: %w", err)
		}
		defer httpServer.Stop()
		node.SetBroadcaster(httpServer.Hub())
	}

	if err := node.Join(ctx); err != nil {
		_ = node.Shutdown()
		return fmt.Errorf("failed to join ring: %w", err)
	}

	st := node.Status()
	logger.Info().
		Str("node_id", st.Local.ID.Short()).
		Str("successor", st.Successor.ID.Short()).
		Str("predecessor", st.Predecessor.ID.Short()).
		Msg("Node is ready")

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal")
	return leave(node, grpcServer, cfg.RPCTimeout, logger)
}

// leave hands the node's range to its successor, falling back to an abrupt
// shutdown when the handshake fails.
func leave(node *chord.ChordNode, grpcServer *transport.GRPCServer, timeout time.Duration, logger *pkg.Logger) error {
	grpcServer.SetServing(false)

	ctx, cancel := context.WithTimeout(context.Background(), 4*timeout)
	defer cancel()

	err := node.Leave(ctx)
	if err != nil && !errors.Is(err, pkg.ErrInvalidState) {
		logger.Warn().Err(err).Msg("Leave handshake failed, shutting down")
	}
	if err := node.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down node: %w", err)
	}
	logger.Info().Str("state", node.State().String()).Msg("Node stopped")
	return nil
}

func localSubnet(ctx context.Context, cfg *config.Config) (netinfo.Subnet, error) {
	if cfg.Subnet != "" {
		return netinfo.FromCIDR(cfg.Subnet)
	}
	return netinfo.Discover(ctx)
}

// advertiseSubnetHost makes cfg bind to and advertise this host's address on
// subnet. It reports false when subnet carries no usable host address.
func advertiseSubnetHost(cfg *config.Config, subnet netinfo.Subnet) bool {
	if !subnet.Self.IsValid() || subnet.Self == subnet.Prefix.Addr() {
		return false
	}
	cfg.Host = subnet.Self.String()
	return true
}

func subnetBootstrapper(cfg *config.Config, subnet netinfo.Subnet, sender chord.RequestSender, logger *pkg.Logger) (chord.Bootstrapper, error) {
	hosts, err := subnet.Hosts(cfg.ProbeLimit)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("subnet", subnet.String()).
		Int("hosts", len(hosts)).
		Msg("Probing subnet for ring members")

	b, err := chord.NewProbeBootstrapper(sender, chord.SubnetCandidates(hosts, cfg.Port),
		cfg.Address(), cfg.ProbeTimeout, cfg.ProbeParallelism, logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}
