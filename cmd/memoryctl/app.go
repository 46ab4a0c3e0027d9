package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"memoryengine/internal/analysisclient"
	"memoryengine/internal/batch"
	"memoryengine/internal/config"
	"memoryengine/internal/embedclient"
	"memoryengine/internal/memory"
	"memoryengine/internal/obslog"
	"memoryengine/internal/resonance"
	"memoryengine/internal/retrieval"
	"memoryengine/internal/store"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "memoryctl",
		Short: "Operate the memory lifecycle engine's store, batch, and retrieval",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the JSON config document")

	root.AddCommand(
		newRunBatchCmd(),
		newListCmd(),
		newShowCmd(),
		newDeleteCmd(),
		newProtectCmd(),
		newUnprotectCmd(),
		newStatsCmd(),
		newPurgeArchiveCmd(),
		newSearchCmd(),
	)
	return root
}

// app bundles the opened store and wired collaborators a command needs. Its
// lifetime is a single command invocation.
type app struct {
	cfg   config.Config
	store *store.Store
}

func openApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	obslog.Init(cfg.LogPath, cfg.LogLevel)

	st, err := store.Open(cfg.DataPath, obslog.For("store"))
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, store: st}, nil
}

func (a *app) Close() { _ = a.store.Close() }

func (a *app) embedClient() *embedclient.Client    { return embedclient.New(a.cfg.Embedding) }
func (a *app) analysisClient() *analysisclient.Client { return analysisclient.New(a.cfg.LLM) }

func newRunBatchCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "run-batch",
		Short: "Run the daily maintenance batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			eng := batch.New(a.store, a.embedClient(), a.analysisClient(), a.cfg, obslog.For("batch"))
			report, err := eng.RunBatch(cmd.Context(), force)
			if err != nil {
				return err
			}
			if report.Skipped {
				fmt.Println(report.SkipInfo)
				return nil
			}
			c := report.Counters
			fmt.Printf("run_id=%s recalled_processed=%d days_updated=%d scores_updated=%d\n", report.RunID, c.RecalledProcessed, c.DaysUpdated, c.ScoresUpdated)
			fmt.Printf("l1_to_l2=%d l2_to_l3=%d l3_to_l4=%d revived=%d\n", c.L1ToL2, c.L2ToL3, c.L3ToL4, c.Revived)
			fmt.Printf("l1_forced=%d l2_forced=%d l3_forced=%d relations_new=%d relations_updated=%d deleted=%d\n",
				c.L1Forced, c.L2Forced, c.L3Forced, c.RelationsNew, c.RelationsUpdated, c.Deleted)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "run even if the interval hasn't elapsed")
	return cmd
}

func newListCmd() *cobra.Command {
	var activeOnly, archivedOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memory records",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			var records []*memory.Record
			switch {
			case activeOnly:
				records, err = a.store.GetActive(ctx)
			case archivedOnly:
				records, err = a.store.GetArchived(ctx)
			default:
				active, aerr := a.store.GetActive(ctx)
				if aerr != nil {
					return aerr
				}
				archived, aerr := a.store.GetArchived(ctx)
				if aerr != nil {
					return aerr
				}
				records = append(active, archived...)
			}
			if err != nil {
				return err
			}
			for _, r := range records {
				printRecordLine(r)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active records")
	cmd.Flags().BoolVar(&archivedOnly, "archived", false, "only archived records")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one memory record in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id:               %s\n", r.ID)
			fmt.Printf("created:          %s\n", r.Created.Format(time.RFC3339))
			fmt.Printf("current_level:    %d\n", r.CurrentLevel)
			fmt.Printf("retention_score:  %.4f\n", r.RetentionScore)
			fmt.Printf("memory_days:      %.4f\n", r.MemoryDays)
			fmt.Printf("decay_coeff:      %.4f\n", r.DecayCoefficient)
			fmt.Printf("category:         %s\n", r.Category)
			fmt.Printf("emotion:          intensity=%d valence=%s arousal=%d tags=%v\n", r.EmotionalIntensity, r.EmotionalValence, r.EmotionalArousal, r.EmotionalTags)
			fmt.Printf("protected:        %v\n", r.Protected)
			fmt.Printf("archived:         %v\n", r.Archived())
			fmt.Printf("recall_count:     %d\n", r.RecallCount)
			fmt.Printf("trigger:          %s\n", r.Trigger)
			fmt.Printf("content:          %s\n", r.Content)
			fmt.Printf("relations:        %v\n", r.Relations)
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a memory record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if r.Protected && !force {
				return fmt.Errorf("memoryctl: %q is protected, pass --force to delete anyway", args[0])
			}
			return a.store.Delete(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete even if protected")
	return cmd
}

func newProtectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "protect <id>",
		Short: "Mark a memory record protected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.store.Update(cmd.Context(), args[0], map[string]any{"protected": true})
		},
	}
}

func newUnprotectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unprotect <id>",
		Short: "Clear a memory record's protected flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.store.Update(cmd.Context(), args[0], map[string]any{"protected": false})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize level/archive/protected population counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			active, err := a.store.GetActive(ctx)
			if err != nil {
				return err
			}
			archived, err := a.store.GetArchived(ctx)
			if err != nil {
				return err
			}
			counts := map[memory.Level]int{}
			protectedCount := 0
			for _, r := range active {
				counts[r.CurrentLevel]++
				if r.Protected {
					protectedCount++
				}
			}
			fmt.Printf("active:     %d\n", len(active))
			fmt.Printf("  level 1:  %d\n", counts[memory.Level1Full])
			fmt.Printf("  level 2:  %d\n", counts[memory.Level2Summary])
			fmt.Printf("  level 3:  %d\n", counts[memory.Level3Keywords])
			fmt.Printf("protected:  %d\n", protectedCount)
			fmt.Printf("archived:   %d\n", len(archived))
			return nil
		},
	}
}

func newPurgeArchiveCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "purge-archive",
		Short: "Delete every non-protected archived record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("memoryctl: purge-archive requires --force")
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			archived, err := a.store.GetArchived(ctx)
			if err != nil {
				return err
			}
			deleted := 0
			for _, r := range archived {
				if r.Protected {
					continue
				}
				if err := a.store.Delete(ctx, r.ID); err != nil {
					return err
				}
				deleted++
			}
			fmt.Printf("deleted %d archived records\n", deleted)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the purge")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var activeOnly bool
	var limit int
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Run a retrieval query and print the <memories> block",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if activeOnly {
				a.cfg.Retrieval.EnableArchiveRecall = false
			}
			if limit > 0 {
				a.cfg.Retrieval.TopK = limit
			}
			rt := retrieval.New(a.store, a.embedClient(), a.cfg, obslog.For("retrieval"))
			var emo *resonance.EmotionContext
			results, err := rt.Query(cmd.Context(), strings.Join(args, " "), emo)
			if err != nil {
				return err
			}
			block := retrieval.FormatBlock(results)
			if block == "" {
				fmt.Println("(no memories)")
				return nil
			}
			fmt.Println(block)
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active-only", false, "disable archive recall for this query")
	cmd.Flags().IntVar(&limit, "limit", 0, "override retrieval.top_k for this query")
	return cmd
}

func printRecordLine(r *memory.Record) {
	archivedMarker := ""
	if r.Archived() {
		archivedMarker = "[archived]"
	}
	protectedMarker := ""
	if r.Protected {
		protectedMarker = "[protected]"
	}
	fmt.Printf("%s  L%d%s%s  score=%.2f  %s\n", r.ID, r.CurrentLevel, archivedMarker, protectedMarker, r.RetentionScore, r.Trigger)
}
