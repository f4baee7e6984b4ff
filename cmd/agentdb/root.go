package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/agentdb/agentdb"
	"github.com/cuemby/agentdb/internal/admin"
	"github.com/cuemby/agentdb/internal/kv"
)

var rootsCmd = &cobra.Command{
	Use:   "root",
	Short: "Inspect and administer roots",
}

func init() {
	changePartitionsCmd.Flags().Uint32("offset", 0, "Desired partition range offset")
	changePartitionsCmd.Flags().Uint32("count", agentdb.DefaultPartitionRange.Count, "Desired partition range count")

	describePartitionCmd.Flags().Uint32("index", 0, "Partition index to describe")

	sendCmd.Flags().String("recipient", "", "Recipient agent UUID (required)")
	sendCmd.Flags().String("operation", "", "Operation UUID (defaults to a fresh one)")
	sendCmd.Flags().String("content", "", "Message payload")
	sendCmd.Flags().Int64("when", 0, "Delivery time, ms since epoch (0 = immediate)")
	_ = sendCmd.MarkFlagRequired("recipient")

	rootsCmd.AddCommand(listRootsCmd, describeRootCmd, describePartitionCmd, listAgentsCmd, changePartitionsCmd, sendCmd)
}

var listRootsCmd = &cobra.Command{
	Use:   "list",
	Short: "List every root tagged in the directory layer",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := kv.Open(dbPath(cmd))
		if err != nil {
			return err
		}
		defer db.Close()

		names, err := admin.Roots(db)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var describeRootCmd = &cobra.Command{
	Use:   "describe [name]",
	Short: "Describe a root's client and partition-range state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := kv.Open(dbPath(cmd))
		if err != nil {
			return err
		}
		defer db.Close()

		summary, err := admin.DescribeRoot(agentdb.NewGlobal(db), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("root:            %s\n", summary.Name)
		fmt.Printf("clients:         %d\n", summary.ClientCount)
		fmt.Printf("agents:          %d\n", summary.AgentCount)
		fmt.Printf("partition_recv:  offset=%d count=%d\n", summary.PartitionRecv.Offset, summary.PartitionRecv.Count)
		fmt.Printf("partition_send:  offset=%d count=%d\n", summary.PartitionSend.Offset, summary.PartitionSend.Count)
		fmt.Printf("repartitioning:  %v\n", summary.Repartitioning)
		return nil
	},
}

var describePartitionCmd = &cobra.Command{
	Use:   "describe-partition [name]",
	Short: "Describe one partition's queue depths",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, _ := cmd.Flags().GetUint32("index")
		db, err := kv.Open(dbPath(cmd))
		if err != nil {
			return err
		}
		defer db.Close()

		summary, err := admin.DescribePartition(agentdb.NewGlobal(db), args[0], idx)
		if err != nil {
			return err
		}
		fmt.Printf("partition:  %d\n", summary.Index)
		fmt.Printf("message:    %d\n", summary.MessageCount)
		fmt.Printf("batch:      %d\n", summary.BatchCount)
		fmt.Printf("agent_retry: %d\n", summary.RetryCount)
		fmt.Printf("overflowed: %v\n", summary.Overflowed)
		return nil
	},
}

var listAgentsCmd = &cobra.Command{
	Use:   "list-agents [name]",
	Short: "List agent IDs registered in a root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := kv.Open(dbPath(cmd))
		if err != nil {
			return err
		}
		defer db.Close()

		ids, overflow, err := admin.ListAgents(agentdb.NewGlobal(db), args[0])
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		if overflow {
			fmt.Printf("... truncated at %d, more agents exist\n", admin.DescLimit)
		}
		return nil
	},
}

var changePartitionsCmd = &cobra.Command{
	Use:   "change-partitions [name]",
	Short: "Run the online two-phase repartition protocol to a new range",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, _ := cmd.Flags().GetUint32("offset")
		count, _ := cmd.Flags().GetUint32("count")

		db, err := kv.Open(dbPath(cmd))
		if err != nil {
			return err
		}
		defer db.Close()

		global := agentdb.NewGlobal(db)
		desired := agentdb.PartitionRange{Offset: offset, Count: count}
		if err := agentdb.ChangePartitions(global, args[0], desired); err != nil {
			return err
		}
		fmt.Printf("root %s repartitioned to offset=%d count=%d\n", args[0], offset, count)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [name]",
	Short: "Enqueue one message to an agent in a root (for manual testing)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipientStr, _ := cmd.Flags().GetString("recipient")
		recipient, err := uuid.Parse(recipientStr)
		if err != nil {
			return fmt.Errorf("invalid --recipient: %w", err)
		}
		opStr, _ := cmd.Flags().GetString("operation")
		op := uuid.New()
		if opStr != "" {
			if op, err = uuid.Parse(opStr); err != nil {
				return fmt.Errorf("invalid --operation: %w", err)
			}
		}
		content, _ := cmd.Flags().GetString("content")
		when, _ := cmd.Flags().GetInt64("when")

		db, err := kv.Open(dbPath(cmd))
		if err != nil {
			return err
		}
		defer db.Close()

		global := agentdb.NewGlobal(db)
		msg := agentdb.MessageToSend{
			RecipientRoot: args[0],
			RecipientID:   recipient,
			OperationID:   op,
			When:          agentdb.Timestamp(when),
			Content:       []byte(content),
		}
		err = db.Update(func(tx *kv.Tx) error {
			return agentdb.SendMessages(tx, global, []agentdb.MessageToSend{msg}, 0)
		})
		if err != nil {
			return err
		}
		fmt.Printf("enqueued message to %s (operation %s)\n", recipient, op)
		return nil
	},
}
