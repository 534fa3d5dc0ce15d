// Command conflux runs one Conflux node: it loads the startup
// configuration surface, wires storage, the raft log, the state machine,
// the raft node and the watch hub together, and serves the
// peer/forwarding RPC surface. The cobra root carries persistent log
// flags and a graceful-shutdown signal handler.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/confluxdb/conflux/pkg/config"
	"github.com/confluxdb/conflux/pkg/log"
	"github.com/confluxdb/conflux/pkg/metrics"
	"github.com/confluxdb/conflux/pkg/raftlog"
	"github.com/confluxdb/conflux/pkg/raftnode"
	"github.com/confluxdb/conflux/pkg/rpc"
	"github.com/confluxdb/conflux/pkg/security"
	"github.com/confluxdb/conflux/pkg/statemachine"
	"github.com/confluxdb/conflux/pkg/storage"
	"github.com/confluxdb/conflux/pkg/token"
	"github.com/confluxdb/conflux/pkg/watchhub"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "conflux",
	Short:   "Conflux - distributed configuration center",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("Conflux version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(nodeCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Start and manage a Conflux node",
}

func init() {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a node, bootstrapping or joining a cluster",
		RunE:  runStart,
	}
	startCmd.Flags().String("config", "", "path to the node's YAML config file (required)")
	startCmd.Flags().Bool("bootstrap", false, "bootstrap a brand-new single-node cluster")
	startCmd.Flags().String("join-addr", "", "leader address to join an existing cluster through")
	startCmd.Flags().String("join-token", "", "join token presented to --join-addr")
	startCmd.Flags().String("metrics-addr", "", "address to serve /health, /ready and /metrics on (empty disables)")
	startCmd.MarkFlagRequired("config")
	nodeCmd.AddCommand(startCmd)

	mintCmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Ask a running leader to mint a join token",
		RunE:  runMintToken,
	}
	mintCmd.Flags().String("leader-addr", "", "leader's RPC address (required)")
	mintCmd.Flags().String("role", "learner", "token role: learner or voter")
	mintCmd.Flags().Duration("ttl", 10*time.Minute, "token validity window")
	mintCmd.MarkFlagRequired("leader-addr")
	nodeCmd.AddCommand(mintCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream ChangeEvents for one watch key from a running node",
		RunE:  runWatch,
	}
	watchCmd.Flags().String("addr", "", "node's RPC address (required)")
	watchCmd.Flags().String("key", "", "watch key, tenant/app/env/name (required)")
	watchCmd.MarkFlagRequired("addr")
	watchCmd.MarkFlagRequired("key")
	nodeCmd.AddCommand(watchCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	joinAddr, _ := cmd.Flags().GetString("join-addr")
	joinToken, _ := cmd.Flags().GetString("join-token")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	db, err := storage.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	hub := watchhub.New()
	hub.StartReclaim(time.Minute, 5*time.Minute)
	defer hub.Stop()

	fsm, err := statemachine.New(db, hub)
	if err != nil {
		return err
	}
	logStore := raftlog.New(db)
	tokens := token.NewManager()

	deps := raftnode.Deps{FSM: fsm, Log: logStore, Hub: hub, Tokens: tokens}
	rnCfg := cfg.RaftNodeConfig()

	var node *raftnode.Node
	if bootstrap {
		node, err = raftnode.Bootstrap(rnCfg, deps)
	} else {
		node, err = raftnode.Join(rnCfg, deps)
	}
	if err != nil {
		return err
	}

	if !bootstrap && joinAddr != "" {
		if err := requestJoin(node, joinAddr, joinToken, rnCfg); err != nil {
			return err
		}
	}

	var tlsConfig *tls.Config
	if cfg.TLSEnabled {
		tlsConfig, err = nodeTLSConfig(db, rnCfg.NodeID, cfg.TLSDNSNames)
		if err != nil {
			return err
		}
	}

	server := rpc.NewServer(node, tlsConfig)
	lis, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return err
	}

	logger := log.WithNodeID(rnCfg.NodeID)
	logger.Info().Str("bind_addr", cfg.BindAddr).Msg("conflux node starting")

	go func() {
		if err := server.Serve(lis); err != nil {
			log.Errorf("rpc server stopped", err)
		}
	}()

	metrics.RegisterComponent("storage", true, "")
	metrics.RegisterComponent("raft", true, "")
	collector := metrics.NewCollector(node, fsm)
	collector.Start(15 * time.Second)
	defer collector.Stop()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = startMetricsServer(cfg.MetricsAddr)
	}

	waitForShutdown()
	logger.Info().Msg("conflux node shutting down")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
	server.Stop()
	return node.Shutdown()
}

// startMetricsServer serves /health, /ready and /metrics on addr,
// independent of any particular component type (it only reads
// metrics.RegisterComponent's registry, set above from the node's own
// readiness signals).
func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server stopped", err)
		}
	}()
	return srv
}

// nodeTLSConfig loads or bootstraps this cluster's certificate authority
// from db and builds the mTLS server config for nodeID's peer listener.
// Any node that finds no CA persisted in db initializes a fresh one and
// saves it there. The CA is written to this node's local store only; it
// is not carried by the Raft log or by state-machine snapshots.
func nodeTLSConfig(db storage.Store, nodeID string, dnsNames []string) (*tls.Config, error) {
	ca := security.NewCertAuthority(db)
	if err := ca.LoadFromStore(); err != nil {
		if !storage.IsNotFound(err) {
			return nil, err
		}
		if err := ca.Initialize(); err != nil {
			return nil, err
		}
		if err := ca.SaveToStore(); err != nil {
			return nil, err
		}
	}
	return security.LoadOrIssueNodeTLSConfig(ca, nodeID, dnsNames, nil)
}

// requestJoin dials joinAddr and asks it to admit this node as a learner.
func requestJoin(node *raftnode.Node, joinAddr, joinToken string, cfg raftnode.Config) error {
	client, err := rpc.Dial(joinAddr, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.RequestJoin(ctx, cfg.NodeID, string(node.LocalAddr()), joinToken)
}

func runMintToken(cmd *cobra.Command, args []string) error {
	leaderAddr, _ := cmd.Flags().GetString("leader-addr")
	role, _ := cmd.Flags().GetString("role")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	client, err := rpc.Dial(leaderAddr, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	value, err := client.RequestToken(ctx, role, ttl)
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	key, _ := cmd.Flags().GetString("key")

	client, err := rpc.Dial(addr, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	stream, err := client.Watch(ctx, key)
	if err != nil {
		return err
	}
	for {
		ev, lagged, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if lagged > 0 {
			fmt.Printf("lagged: %d events dropped, reconcile state\n", lagged)
			continue
		}
		fmt.Printf("%s %s version=%d %q\n", ev.Kind, ev.Namespace.WatchKey(ev.ConfigName), ev.NewVersionID, ev.Description)
	}
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
