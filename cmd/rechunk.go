package cmd

import (
	"fmt"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/cachekey"
	"github.com/ethpandaops/chaincache/pkg/chunkstore"
	"github.com/ethpandaops/chaincache/pkg/tasks"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	rechunkKey         string
	rechunkTargetBytes int64
	rechunkSplitFactor float64
	rechunkDryRun      bool
	rechunkStart       uint64
	rechunkEnd         uint64
	rechunkEnqueue     bool
)

// rechunkCmd represents the rechunk command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var rechunkCmd = &cobra.Command{
	Use:   "rechunk",
	Short: "Rebalance the stored chunks of a cache key",
	Long: `Rechunk merges runs of small contiguous chunks up to the target size and splits
chunks larger than target * split factor. Coverage is unchanged.

Examples:
  # Show the plan without touching storage
  chaincache rechunk --key timestamps:mainnet --dry-run

  # Only rechunk chunks inside a block window
  chaincache rechunk --key timestamps:mainnet --start 0 --end 1000000

  # Hand the run to the worker instead of running it here
  chaincache rechunk --key timestamps:mainnet --enqueue`,
	RunE: runRechunk,
}

func init() {
	rootCmd.AddCommand(rechunkCmd)

	rechunkCmd.Flags().StringVar(&rechunkKey, "key", "", "Cache key (kind:network:...)")
	rechunkCmd.Flags().Int64Var(&rechunkTargetBytes, "target-bytes", 0, "Target chunk size in bytes (default from config)")
	rechunkCmd.Flags().Float64Var(&rechunkSplitFactor, "split-factor", 0, "Split chunks above target * factor (default from config)")
	rechunkCmd.Flags().BoolVar(&rechunkDryRun, "dry-run", false, "Print the plan without applying it")
	rechunkCmd.Flags().Uint64Var(&rechunkStart, "start", 0, "Only rechunk chunks inside [start, end]")
	rechunkCmd.Flags().Uint64Var(&rechunkEnd, "end", 0, "Only rechunk chunks inside [start, end]")
	rechunkCmd.Flags().BoolVar(&rechunkEnqueue, "enqueue", false, "Enqueue a rechunk task for the worker")

	_ = rechunkCmd.MarkFlagRequired("key")
	rechunkCmd.MarkFlagsRequiredTogether("start", "end")
	rechunkCmd.MarkFlagsMutuallyExclusive("dry-run", "enqueue")
}

func runRechunk(cmd *cobra.Command, _ []string) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	key, err := cachekey.Parse(rechunkKey)
	if err != nil {
		return err
	}

	opts := chunkstore.RechunkOptions{
		TargetBytes: cfg.Rechunk.TargetBytes,
		SplitFactor: cfg.Rechunk.SplitFactor,
		DryRun:      rechunkDryRun,
	}

	if rechunkTargetBytes > 0 {
		opts.TargetBytes = rechunkTargetBytes
	}

	if rechunkSplitFactor > 0 {
		opts.SplitFactor = rechunkSplitFactor
	}

	if cmd.Flags().Changed("start") {
		opts.Within = &blockrange.Range{Start: rechunkStart, End: rechunkEnd}
	}

	svc, err := newStorageEngine(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := svc.Stop(); stopErr != nil {
			logger.WithError(stopErr).Error("Failed to stop engine")
		}
	}()

	out := cmd.OutOrStdout()

	if rechunkEnqueue {
		queue, err := svc.Queue(cmd.Context())
		if err != nil {
			return err
		}

		enqueued, err := queue.EnqueueRechunk(tasks.RechunkPayload{
			CacheKey:    key.String(),
			TargetBytes: opts.TargetBytes,
			SplitFactor: opts.SplitFactor,
			Within:      opts.Within,
		}, tasks.TriggerCLI)
		if err != nil {
			return err
		}

		if !enqueued {
			_, err = fmt.Fprintf(out, "Rechunk of %s is already queued\n", key)
			return err
		}

		_, err = fmt.Fprintf(out, "Enqueued rechunk of %s\n", key)

		return err
	}

	chunks, err := svc.Chunks()
	if err != nil {
		return err
	}

	plan, err := chunks.Rechunk(cmd.Context(), key, opts)
	if err != nil {
		return err
	}

	renderPlan(out, plan)

	return nil
}
