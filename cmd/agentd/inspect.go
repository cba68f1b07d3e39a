package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/agentspace/internal/messaging"
	"github.com/t77yq/agentspace/internal/model"
	"github.com/t77yq/agentspace/internal/state"
	"github.com/t77yq/agentspace/internal/storage"
)

var (
	agentsStatus string
	agentsQuery  string
	agentsCap    string
	historyLimit int
	cleanupDays  int
	watchKinds   []string
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List persisted agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		agents, err := store.ListAgents(cmd.Context(), storage.AgentFilter{
			Status: model.StatusKind(agentsStatus),
			Query:  agentsQuery,
		})
		if err != nil {
			return err
		}
		agents = withCapability(agents, model.AgentCapability(agentsCap))

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tEXECUTIONS\tFAILED\tLAST EXECUTION")
		for _, a := range agents {
			last := "-"
			if a.Metrics.LastExecution != nil {
				last = a.Metrics.LastExecution.Local().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				a.ID, a.Name, a.Status, a.Metrics.TotalExecutions, a.Metrics.FailedExecutions, last)
		}
		return w.Flush()
	},
}

// withCapability keeps the agents carrying c; an empty c keeps all
func withCapability(agents []*model.Agent, c model.AgentCapability) []*model.Agent {
	if c == "" {
		return agents
	}
	kept := agents[:0]
	for _, a := range agents {
		if a.HasCapability(c) {
			kept = append(kept, a)
		}
	}
	return kept
}

var historyCmd = &cobra.Command{
	Use:   "history <agent-id>",
	Short: "Print the newest action records of an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.ListActions(cmd.Context(), args[0], historyLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tATTEMPT\tDURATION\tCREATED")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				r.Action.ID, r.Action.Type, r.Action.Status, r.Action.Attempt,
				r.Duration.Round(time.Millisecond), r.Action.CreatedAt.Local().Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete action history older than the given number of days",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		states, err := state.NewManager(store, state.Options{}, nil, logger)
		if err != nil {
			return err
		}
		defer states.Close()

		deleted, err := states.CleanupOldActions(cmd.Context(), cleanupDays)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d action records older than %d days\n", deleted, cleanupDays)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print bus messages relayed to NATS by a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		relay, err := messaging.NewNATSRelay(js, cfg.NATS.Stream, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		kinds := make([]model.MessageKind, 0, len(watchKinds))
		for _, k := range watchKinds {
			kinds = append(kinds, model.MessageKind(k))
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		if err := relay.Subscribe(ctx, func(msg model.InterAgentMessage) {
			_ = enc.Encode(msg)
		}, kinds...); err != nil {
			return err
		}

		<-ctx.Done()
		return nil
	},
}

func init() {
	agentsCmd.Flags().StringVar(&agentsStatus, "status", "", "only list agents with this status")
	agentsCmd.Flags().StringVarP(&agentsQuery, "query", "q", "", "match name or description")
	agentsCmd.Flags().StringVar(&agentsCap, "capability", "", "only list agents with this capability, e.g. read_files")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records")
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 30, "retention window in days")
	watchCmd.Flags().StringSliceVar(&watchKinds, "type", nil, "message types to follow, e.g. action_completed")
}
