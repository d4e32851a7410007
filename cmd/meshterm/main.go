package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"meshterm/internal/config"
	"meshterm/internal/daemon"
	"meshterm/internal/debuglog"
	"meshterm/internal/metrics"
	"meshterm/internal/node"
	"meshterm/internal/sshgw"
)

// exitError carries a specific exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "meshterm: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var home string
	root := &cobra.Command{
		Use:           "meshterm",
		Short:         "Peer-to-peer shared state with an SSH terminal front end",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home != "" {
				return os.Setenv(config.Prefix+"NODE_HOME", home)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&home, "home", "", "node home directory (default ~/.meshterm, or $MESHTERM_NODE_HOME)")
	root.AddCommand(runCmd(), idCmd(), statusCmd(), passwdCmd(), resetCmd())
	return root
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, &exitError{code: 2, err: err}
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	var (
		name        string
		listen      string
		sshListen   string
		opsListen   string
		bootstrap   []string
		noMulticast bool
		noSSH       bool
		logLevel    string
		logFormat   string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("name") {
				cfg.Node.Name = name
			}
			if flags.Changed("listen") {
				cfg.Gossip.ListenAddr = listen
			}
			if flags.Changed("ssh-listen") {
				cfg.SSH.ListenAddr = sshListen
			}
			if flags.Changed("ops-listen") {
				cfg.Ops.ListenAddr = opsListen
			}
			if flags.Changed("bootstrap") {
				cfg.Discovery.Bootstrap = append(cfg.Discovery.Bootstrap, bootstrap...)
			}
			if noMulticast {
				cfg.Discovery.Multicast = false
			}
			if noSSH {
				cfg.SSH.Enabled = false
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if flags.Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			cfg = cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return &exitError{code: 2, err: err}
			}

			logger, err := debuglog.New(debuglog.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: cmd.ErrOrStderr()})
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			r, err := daemon.NewRunner(cfg, logger)
			if err != nil {
				return err
			}
			defer r.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				select {
				case <-r.Ready():
					fmt.Fprintf(cmd.OutOrStdout(), "READY node_id=%s gossip=%s\n", r.Self.ID, r.Gossip.Addr())
				case <-ctx.Done():
				}
			}()
			return r.Run(ctx)
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "display name announced to peers")
	f.StringVar(&listen, "listen", "", "gossip listen address (udp host:port)")
	f.StringVar(&sshListen, "ssh-listen", "", "ssh gateway listen address")
	f.StringVar(&opsListen, "ops-listen", "", "ops http listen address; empty disables")
	f.StringSliceVar(&bootstrap, "bootstrap", nil, "peer to dial at start as [id@]host:port (repeatable)")
	f.BoolVar(&noMulticast, "no-multicast", false, "disable LAN beacons")
	f.BoolVar(&noSSH, "no-ssh", false, "disable the ssh gateway")
	f.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&logFormat, "log-format", "", "json or console")
	return cmd
}

func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the node id and ssh host key fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			self, err := node.LoadOrCreateIdentity(cfg.Node.Home, node.Options{Name: cfg.Node.Name})
			if err != nil {
				return err
			}
			signer, err := sshgw.HostSigner(self)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "node_id:  %s\n", self.ID)
			fmt.Fprintf(out, "name:     %s\n", self.Name)
			fmt.Fprintf(out, "host_key: %s\n", ssh.FingerprintSHA256(signer.PublicKey()))
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the last metrics snapshot written by a running node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			snap, err := metrics.ReadSnapshot(cfg.Ops.MetricsPath)
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no snapshot at %s (is the node running?)", cfg.Ops.MetricsPath)
			}
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func printStatus(w io.Writer, s metrics.Snapshot) {
	fmt.Fprintf(w, "snapshot at %s\n", s.GeneratedAt.Format("2006-01-02 15:04:05Z07:00"))
	fmt.Fprintf(w, "  peers connected: %d  unreachable: %d\n", s.Gossip.PeersConnected, s.Discovery.Unreachable)
	fmt.Fprintf(w, "  events: local=%d applied=%d buffered=%d duplicate=%d rejected=%d evicted=%d compacted=%d\n",
		s.Events.Local, s.Events.Applied, s.Events.Buffered, s.Events.Duplicate, s.Events.Rejected, s.Events.Evicted, s.Events.Compacted)
	fmt.Fprintf(w, "  gossip: received=%d forwarded=%d dropped duplicate=%d rate=%d queue=%d strikes=%d\n",
		s.Gossip.Received, s.Gossip.Forwarded, s.Gossip.DropDuplicate, s.Gossip.DropRate, s.Gossip.DropQueue, s.Gossip.Strikes)
	fmt.Fprintf(w, "  ssh: active=%d started=%d auth_failures=%d\n", s.SSH.Active, s.SSH.Started, s.SSH.AuthFailures)
	if len(s.SSH.ClosesByReason) > 0 {
		reasons := make([]string, 0, len(s.SSH.ClosesByReason))
		for r := range s.SSH.ClosesByReason {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		parts := make([]string, 0, len(reasons))
		for _, r := range reasons {
			parts = append(parts, fmt.Sprintf("%s=%d", r, s.SSH.ClosesByReason[r]))
		}
		fmt.Fprintf(w, "  ssh closes: %s\n", strings.Join(parts, " "))
	}
	fmt.Fprintf(w, "  frames: %d (dropped %d)\n", s.Render.Frames, s.Render.Dropped)
}

func passwdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Read a password from stdin and store its bcrypt hash for ssh logins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			hash, err := sshgw.HashPassword(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.SSH.PasswordFile), 0700); err != nil {
				return err
			}
			if err := os.WriteFile(cfg.SSH.PasswordFile, []byte(hash+"\n"), 0600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password hash written to %s\n", cfg.SSH.PasswordFile)
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	var keepIdentity bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete local state: event log, peer book and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			targets := []string{
				filepath.Join(cfg.Node.Home, daemon.EventsFile),
				filepath.Join(cfg.Node.Home, daemon.BookFile),
				cfg.Ops.MetricsPath,
			}
			if !keepIdentity {
				targets = append(targets, filepath.Join(cfg.Node.Home, node.IdentityDir))
			}
			out := cmd.OutOrStdout()
			for _, p := range targets {
				if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
					continue
				}
				if err := os.RemoveAll(p); err != nil {
					return err
				}
				fmt.Fprintf(out, "removed %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepIdentity, "keep-identity", false, "keep the node keypair and name")
	return cmd
}
