package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/EternisAI/remote-control/internal/audit"
	"github.com/EternisAI/remote-control/internal/auth"
	"github.com/EternisAI/remote-control/internal/command"
)

func (r *rootOptions) printer(cmd *cobra.Command) printer {
	return printer{format: r.output, w: cmd.OutOrStdout()}
}

// run connects to target, executes one command and prints its result.
func (r *rootOptions) run(cmd *cobra.Command, target string, kind command.Kind, args command.Args) error {
	if err := args.Validate(kind); err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := r.connect(ctx, target)
	if err != nil {
		return err
	}
	defer s.close()

	res, err := s.dispatcher.Execute(ctx, s.endpoint, kind, args, r.timeout)
	if res != nil {
		if perr := r.printer(cmd).result(res); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if res.Status != command.StatusOk {
		return errCommandFailed
	}
	return nil
}

func newConnectCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect [agent]",
		Short: "Authenticate against an agent and report the session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.connect(cmd.Context(), firstArg(args))
			if err != nil {
				return err
			}
			defer s.close()
			return root.printer(cmd).info(s.info)
		},
	}
}

func newOpenCmd(root *rootOptions) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "open <app> [app args...]",
		Short: "Launch a whitelisted application on the agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.run(cmd, target, command.KindOpenApp, command.Args{App: args[0], AppArgs: args[1:]})
		},
	}
	cmd.Flags().StringVarP(&target, "agent", "a", "", "agent name or host[:port]")
	return cmd
}

func newListCmd(root *rootOptions) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:     "ls <path>",
		Aliases: []string{"list"},
		Short:   "List a directory on the agent",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.run(cmd, target, command.KindListDirectory, command.Args{Path: args[0]})
		},
	}
	cmd.Flags().StringVarP(&target, "agent", "a", "", "agent name or host[:port]")
	return cmd
}

func newShutdownCmd(root *rootOptions) *cobra.Command {
	var (
		target string
		delay  uint32
	)
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Schedule a shutdown of the agent host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var args command.Args
			if cmd.Flags().Changed("delay") {
				args.DelaySeconds = command.Delay(delay)
			}
			return root.run(cmd, target, command.KindShutdown, args)
		},
	}
	cmd.Flags().StringVarP(&target, "agent", "a", "", "agent name or host[:port]")
	cmd.Flags().Uint32Var(&delay, "delay", 0, "seconds before shutdown (default: the agent's configured delay)")
	return cmd
}

func newAuditCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show commands recorded in the --audit-db file, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if root.auditDB == "" {
				return fmt.Errorf("%w: --audit-db is required", command.ErrValidationFailed)
			}
			store, err := audit.OpenSQLiteStore(root.auditDB)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return root.printer(cmd).entries(entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", audit.DefaultLimit, "maximum entries to show")
	return cmd
}

func newAgentCmd(root *rootOptions) *cobra.Command {
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage named agents in the config file",
	}

	var (
		port      uint16
		source    string
		tlsOn     bool
		caFile    string
		insecure  bool
		asDefault bool
	)
	addCmd := &cobra.Command{
		Use:   "add <name> <host>",
		Short: "Add or replace a named agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, err := command.ParseEndpoint(args[1], port)
			if err != nil {
				return err
			}
			cfg := root.config
			if cfg.Agents == nil {
				cfg.Agents = make(map[string]*AgentTarget)
			}
			cfg.Agents[args[0]] = &AgentTarget{
				Host:             endpoint.Host,
				Port:             endpoint.Port,
				CredentialSource: source,
				TLS:              TargetTLS{Enabled: tlsOn, CAFile: caFile, InsecureSkipVerify: insecure},
			}
			if asDefault || cfg.DefaultAgent == "" {
				cfg.DefaultAgent = args[0]
			}
			if err := cfg.save(root.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved agent %s (%s)\n", args[0], endpoint)
			return nil
		},
	}
	addCmd.Flags().Uint16Var(&port, "port", command.DefaultPort, "agent port when host has none")
	addCmd.Flags().StringVar(&source, "credential-source", "", "secret source for this agent: env:NAME, file:PATH or literal")
	addCmd.Flags().BoolVar(&tlsOn, "tls", false, "use TLS")
	addCmd.Flags().StringVar(&caFile, "ca-file", "", "CA bundle used to verify the agent")
	addCmd.Flags().BoolVar(&insecure, "insecure", false, "skip agent certificate verification")
	addCmd.Flags().BoolVar(&asDefault, "default", false, "make this the default agent")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List named agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names := make([]string, 0, len(root.config.Agents))
			for name := range root.config.Agents {
				names = append(names, name)
			}
			sort.Strings(names)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tENDPOINT\tTLS\tDEFAULT")
			for _, name := range names {
				t := root.config.Agents[name]
				port := t.Port
				if port == 0 {
					port = command.DefaultPort
				}
				def := ""
				if name == root.config.DefaultAgent {
					def = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", name, command.Endpoint{Host: t.Host, Port: port}, t.TLS.Enabled, def)
			}
			return tw.Flush()
		},
	}

	agentCmd.AddCommand(addCmd, listCmd)
	return agentCmd
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api key>",
		Short: "Print the bcrypt hash to put in the controller's http.api_key_hash",
		Args:  cobra.ExactArgs(1),
		// No config or logging needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
