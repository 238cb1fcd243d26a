package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalder/reach/internal/budget"
	"github.com/kalder/reach/internal/campaign"
	"github.com/kalder/reach/internal/config"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign inspection commands",
}

var campaignStatusCmd = &cobra.Command{
	Use:   "status <campaign_id>",
	Short: "Show budget, daily limit, and pacing for a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignStatus,
}

func init() {
	campaignCmd.AddCommand(campaignStatusCmd)
	rootCmd.AddCommand(campaignCmd)
}

func openCampaignStore() (*campaign.Store, *config.Config, error) {
	if cfgFile == "" {
		return nil, nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := campaign.NewStore(cfg.Storage.CampaignsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open campaign store: %w", err)
	}

	return store, cfg, nil
}

func runCampaignStatus(cmd *cobra.Command, args []string) error {
	store, cfg, err := openCampaignStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	camp, err := store.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}

	bm := budget.NewManager(store, cfg.ChannelCosts(), cfg.Budget.PacingThreshold, nil)
	pacing, err := bm.GetPacing(ctx, camp)
	if err != nil {
		return fmt.Errorf("failed to compute pacing: %w", err)
	}

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	sentToday, err := store.CountRecorded(ctx, camp.ID, dayStart, now)
	if err != nil {
		return fmt.Errorf("failed to count today's sends: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Campaign:\t%s (%s)\n", camp.Name, camp.ID)
	fmt.Fprintf(w, "Status:\t%s\n", camp.Status)
	fmt.Fprintf(w, "Budget:\t%.3f / %.3f\n", camp.BudgetSpent, camp.BudgetTotal)
	if camp.DailyLimit > 0 {
		fmt.Fprintf(w, "Daily limit:\t%d / %d today\n", sentToday, camp.DailyLimit)
	} else {
		fmt.Fprintf(w, "Daily limit:\tnone\n")
	}
	fmt.Fprintf(w, "Messages scheduled:\t%d\n", camp.MessagesScheduled)
	fmt.Fprintf(w, "Pacing:\t%s\n", pacing.Action)
	fmt.Fprintf(w, "  ideal spend:\t%.1f%%\n", pacing.IdealFraction*100)
	fmt.Fprintf(w, "  actual spend:\t%.1f%%\n", pacing.ActualFraction*100)
	if pacing.SuggestedDailyMsgs > 0 {
		fmt.Fprintf(w, "  suggested daily messages:\t%d\n", pacing.SuggestedDailyMsgs)
	}
	return w.Flush()
}
