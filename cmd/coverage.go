package cmd

import (
	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/cachekey"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	coverageKey    string
	coverageStart  uint64
	coverageEnd    uint64
	coverageChunks bool
)

//nolint:gochecknoglobals // Cobra commands are typically global
var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Show cached ranges and gaps of a cache key",
	Long: `Coverage prints the normalized cached ranges of a key. With --start and --end it
also prints the gaps of that request and whether it is fully, partially or not cached.

Examples:
  chaincache coverage --key timestamps:mainnet
  chaincache coverage --key timestamps:mainnet --start 0 --end 1000000 --chunks`,
	RunE: runCoverage,
}

func init() {
	rootCmd.AddCommand(coverageCmd)

	coverageCmd.Flags().StringVar(&coverageKey, "key", "", "Cache key (kind:network:...)")
	coverageCmd.Flags().Uint64Var(&coverageStart, "start", 0, "First block of the request (inclusive)")
	coverageCmd.Flags().Uint64Var(&coverageEnd, "end", 0, "Last block of the request (inclusive)")
	coverageCmd.Flags().BoolVar(&coverageChunks, "chunks", false, "Also list stored chunks")

	_ = coverageCmd.MarkFlagRequired("key")
	coverageCmd.MarkFlagsRequiredTogether("start", "end")
}

func runCoverage(cmd *cobra.Command, _ []string) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	key, err := cachekey.Parse(coverageKey)
	if err != nil {
		return err
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

	cov, err := svc.CoverageView()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	record, err := cov.Ranges(ctx, key)
	if err != nil {
		return err
	}

	renderRanges(out, key.String(), record.Ranges)

	if cmd.Flags().Changed("start") {
		request := blockrange.Range{Start: coverageStart, End: coverageEnd}
		if err := request.Validate(); err != nil {
			return err
		}

		gaps, err := cov.GapsFor(ctx, key, coverageStart, coverageEnd)
		if err != nil {
			return err
		}

		renderGaps(out, request, gaps)
	}

	if coverageChunks {
		chunks, err := svc.Chunks()
		if err != nil {
			return err
		}

		list, err := chunks.Chunks(ctx, key)
		if err != nil {
			return err
		}

		// Chunks of a stale namespace are dropped on its next fetch.
		stale, err := cov.Stale(ctx, key)
		if err != nil {
			return err
		}

		if stale {
			list = nil
		}

		renderChunks(out, list)
	}

	return nil
}
