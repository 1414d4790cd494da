package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rotomail/rotomail/internal/campaign"
	"github.com/rotomail/rotomail/internal/message"
	"github.com/rotomail/rotomail/internal/smtp"
)

var (
	testHost     string
	testPort     int
	testUsername string
	testPassword string
	testUseTLS   bool
	testTimeout  int
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test connection to an SMTP server",
	Long:  `Connect and authenticate against an SMTP server without sending mail.`,
	RunE:  runTest,
}

func init() {
	testCmd.Flags().StringVar(&testHost, "host", "", "SMTP server hostname (required)")
	testCmd.Flags().IntVar(&testPort, "port", 587, "SMTP server port")
	testCmd.Flags().StringVar(&testUsername, "username", "", "SMTP username")
	testCmd.Flags().StringVar(&testPassword, "password", "", "SMTP password")
	testCmd.Flags().BoolVar(&testUseTLS, "tls", false, "require STARTTLS")
	testCmd.Flags().IntVar(&testTimeout, "timeout", 10, "connection timeout in seconds")
	testCmd.MarkFlagRequired("host")

	rootCmd.AddCommand(testCmd)
}

func runTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	server := &campaign.Server{
		Name:     testHost,
		Host:     testHost,
		Port:     testPort,
		Username: testUsername,
		Password: testPassword,
		UseTLS:   testUseTLS,
		Enabled:  true,
	}

	timeout := time.Duration(testTimeout) * time.Second
	client := smtp.NewClient(cfg.Server.Hostname, timeout, message.NewBuilder(), newCommandLogger())

	fmt.Printf("Testing %s...\n", server.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	if err := client.Probe(ctx, server); err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}

	fmt.Printf("OK (%s)\n", time.Since(start).Round(time.Millisecond))
	if testUsername != "" {
		fmt.Println("  authentication: successful")
	}
	return nil
}
