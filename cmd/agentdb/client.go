package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/agentdb/agentdb"
	"github.com/cuemby/agentdb/internal/kv"
	"github.com/cuemby/agentdb/internal/log"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Attach a client process to a root",
}

func init() {
	clientStartCmd.Flags().String("root", "", "Root name to attach to (required)")
	clientStartCmd.Flags().String("name", "", "Client name (defaults to hostname)")
	clientStartCmd.Flags().Duration("heartbeat-interval", agentdb.DefaultHeartbeatInterval, "Heartbeat tick interval")
	clientStartCmd.Flags().Duration("gc-interval", agentdb.DefaultGCInterval, "Operation-budget GC tick interval")
	_ = clientStartCmd.MarkFlagRequired("root")
	clientCmd.AddCommand(clientStartCmd)
}

var clientStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a client: heartbeat, partition assignment, partition workers",
	Long: `Start attaches a new client identity to the named root, then runs its
heartbeat and GC ticks and the partition workers its assignment owns
until interrupted.

No higher-level typed-agent dispatch layer exists in the core, so this
command runs a small built-in state function that mirrors the
hello-count scenario: a per-agent message counter, incremented once per
inbound message, constructing the agent on its first message.`,
	RunE: runClientStart,
}

func runClientStart(cmd *cobra.Command, args []string) error {
	root, _ := cmd.Flags().GetString("root")
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		} else {
			name = uuid.New().String()
		}
	}
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat-interval")
	gcInterval, _ := cmd.Flags().GetDuration("gc-interval")

	db, err := kv.Open(dbPath(cmd))
	if err != nil {
		return err
	}
	defer db.Close()

	global := agentdb.NewGlobal(db)
	client, err := agentdb.NewClient(global, root, name, counterStateFn, agentdb.ClientConfig{
		HeartbeatInterval: heartbeat,
		GCInterval:        gcInterval,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logger.Info().Msg("shutting down")
		cancel()
	}()

	clientLogger := log.WithClient(client.ID.String())
	clientLogger.Info().Str("root", root).Str("name", name).Msg("client starting, press Ctrl+C to stop")
	client.Run(ctx)
	return nil
}

// counterAgentState is the wire shape of the demo agent's state blob.
type counterAgentState struct {
	Count uint32 `json:"count"`
}

// counterStateFn is the default example state function wired into
// `client start`: it never emits outbound messages or dies, it just
// counts how many messages each agent has received. This mirrors the
// core's hello-count end-to-end scenario since no higher-level
// typed-agent dispatch layer exists in this module's scope.
func counterStateFn(ctx context.Context, in agentdb.StateFnInput) (agentdb.StateFnOutput, error) {
	var state counterAgentState
	if in.State != nil {
		if err := json.Unmarshal(in.State, &state); err != nil {
			return agentdb.StateFnOutput{}, err
		}
	}
	state.Count += uint32(len(in.Messages))
	out, err := json.Marshal(state)
	if err != nil {
		return agentdb.StateFnOutput{}, err
	}
	return agentdb.StateFnOutput{State: out}, nil
}
