package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rotomail/rotomail/internal/campaign"
	"github.com/rotomail/rotomail/internal/history"
	"github.com/rotomail/rotomail/internal/message"
	"github.com/rotomail/rotomail/internal/recipients"
	"github.com/rotomail/rotomail/internal/smtp"
)

var (
	sendServersFile    string
	sendRecipientsFile string
	sendSubject        string
	sendBody           string
	sendBodyFile       string
	sendHTML           bool
	sendDryRun         bool
	sendRotationMode   string
	sendThreshold      int
	sendDelay          time.Duration
	sendMaxRetries     int
	sendNoFailover     bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Run a one-shot campaign",
	Long: `Send a campaign from the command line: recipients come from a text
file (comma, semicolon or whitespace separated), servers from a YAML
file. Progress is printed per recipient, followed by a summary.`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendServersFile, "servers", "", "YAML file with SMTP servers (required)")
	sendCmd.Flags().StringVar(&sendRecipientsFile, "recipients", "", "text file with recipient addresses (required)")
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "email subject")
	sendCmd.Flags().StringVar(&sendBody, "body", "", "email body")
	sendCmd.Flags().StringVar(&sendBodyFile, "body-file", "", "read email body from file")
	sendCmd.Flags().BoolVar(&sendHTML, "html", false, "send body as HTML")
	sendCmd.Flags().BoolVar(&sendDryRun, "dry-run", false, "simulate without sending")
	sendCmd.Flags().StringVar(&sendRotationMode, "rotation-mode", "by_count", "rotation mode: by_count or by_time")
	sendCmd.Flags().IntVar(&sendThreshold, "threshold", 50, "emails per server (by_count) or seconds (by_time)")
	sendCmd.Flags().DurationVar(&sendDelay, "delay", time.Second, "delay between sends")
	sendCmd.Flags().IntVar(&sendMaxRetries, "max-retries", 2, "retries per recipient")
	sendCmd.Flags().BoolVar(&sendNoFailover, "no-failover", false, "disable failover on server faults")
	sendCmd.MarkFlagRequired("servers")
	sendCmd.MarkFlagRequired("recipients")

	rootCmd.AddCommand(sendCmd)
}

// serverList is the on-disk server file format.
type serverList struct {
	Servers []campaign.Server `yaml:"servers"`
}

func loadServers(path string) ([]campaign.Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read servers file: %w", err)
	}

	var list serverList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse servers file: %w", err)
	}
	if len(list.Servers) == 0 {
		return nil, fmt.Errorf("servers file contains no servers")
	}
	return list.Servers, nil
}

func loadRecipients(path string) (recipients.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return recipients.Result{}, fmt.Errorf("failed to read recipients file: %w", err)
	}
	raw := recipients.SplitList(string(data))
	return recipients.Clean(recipients.FromStrings(raw)), nil
}

func buildPolicy() (campaign.Policy, error) {
	policy := campaign.Policy{
		DelayBetweenSends: sendDelay,
		FailoverEnabled:   !sendNoFailover,
		MaxRetries:        sendMaxRetries,
	}

	switch sendRotationMode {
	case string(campaign.RotateByCount):
		policy.Mode = campaign.RotateByCount
		policy.Threshold = sendThreshold
	case string(campaign.RotateByTime):
		policy.Mode = campaign.RotateByTime
		policy.Interval = time.Duration(sendThreshold) * time.Second
	default:
		return campaign.Policy{}, fmt.Errorf("invalid rotation mode: %s", sendRotationMode)
	}
	return policy, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newCommandLogger()

	servers, err := loadServers(sendServersFile)
	if err != nil {
		return err
	}

	result, err := loadRecipients(sendRecipientsFile)
	if err != nil {
		return err
	}
	if len(result.Valid) == 0 {
		return fmt.Errorf("no valid recipients in %s", sendRecipientsFile)
	}

	body := sendBody
	if sendBodyFile != "" {
		data, err := os.ReadFile(sendBodyFile)
		if err != nil {
			return fmt.Errorf("failed to read body file: %w", err)
		}
		body = string(data)
	}
	if sendSubject == "" && body == "" {
		return fmt.Errorf("subject or body is required")
	}

	policy, err := buildPolicy()
	if err != nil {
		return err
	}

	fmt.Printf("Recipients: %d valid, %d invalid, %d duplicates\n",
		len(result.Valid), len(result.Invalid), result.Duplicates)
	for _, e := range result.Invalid {
		fmt.Printf("  skipped %s: %s\n", e.Email, e.Reason)
	}
	if sendDryRun {
		fmt.Println("Dry run: nothing will be sent.")
	}
	fmt.Println()

	req := &campaign.Request{
		Servers: servers,
		Policy:  policy,
		Message: campaign.Message{
			Subject: sendSubject,
			Body:    body,
			IsHTML:  sendHTML,
		},
		Recipients: toRecipients(result.Valid),
		DryRun:     sendDryRun,
	}

	// One-shot runs still track hourly usage across invocations.
	store, err := history.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	usage, err := history.NewUsageTracker(store.DB(), logger)
	if err != nil {
		return fmt.Errorf("failed to create usage tracker: %w", err)
	}

	relay := smtp.NewClient(cfg.Server.Hostname, cfg.Dispatch.AttemptTimeout, message.NewBuilder(), logger)

	processed := 0
	dispatcher := campaign.NewDispatcher(relay, campaign.DispatcherConfig{
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		IsServerFault:  smtp.IsServerFault,
		Usage:          usage,
		Logger:         logger,
		OnProgress: func(s campaign.Snapshot) {
			processed = s.Processed()
			fmt.Printf("[%d/%d] sent=%d failed=%d server=%s rotations=%d\n",
				processed, s.Total, s.Sent, s.Failed, s.CurrentServer, s.RotationCount)
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	run, runErr := dispatcher.Run(ctx, req, nil)
	if run == nil {
		return runErr
	}

	if !run.DryRun {
		if err := store.SaveRun(run); err != nil {
			logger.Warn("failed to persist run", "error", err)
		}
	}

	printSummary(run)

	if runErr != nil {
		return fmt.Errorf("campaign interrupted: %w", runErr)
	}
	return nil
}

func printSummary(run *campaign.Run) {
	fmt.Println()
	fmt.Printf("Campaign %s\n", run.ID)
	if run.DryRun {
		fmt.Println("  mode:      dry run")
	}
	fmt.Printf("  duration:  %s\n", run.Duration().Round(time.Millisecond))
	fmt.Printf("  sent:      %d/%d (%.1f%%)\n", run.Sent, run.Total, run.SuccessRate())
	fmt.Printf("  failed:    %d\n", run.Failed)
	fmt.Printf("  rotations: %d (%d failover)\n", run.RotationCount, run.Failovers)

	names := make([]string, 0, len(run.PerServerUsage))
	for name := range run.PerServerUsage {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-12s %d attempts\n", name, run.PerServerUsage[name])
	}

	for _, fr := range run.FailedRecipients {
		fmt.Printf("  FAILED %s via %s: %s\n", fr.Email, fr.Server, fr.Error)
	}
}

func toRecipients(entries []recipients.Entry) []campaign.Recipient {
	out := make([]campaign.Recipient, len(entries))
	for i, e := range entries {
		out[i] = campaign.Recipient{Email: e.Email, Name: e.Name, Fields: e.Fields}
	}
	return out
}
