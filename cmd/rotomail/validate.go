package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateRecipientsFile string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a recipient list",
	Long:  `Check a recipient file and report valid, invalid and duplicate addresses without sending anything.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateRecipientsFile, "recipients", "", "text file with recipient addresses (required)")
	validateCmd.MarkFlagRequired("recipients")

	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	result, err := loadRecipients(validateRecipientsFile)
	if err != nil {
		return err
	}

	fmt.Printf("valid:      %d\n", len(result.Valid))
	fmt.Printf("invalid:    %d\n", len(result.Invalid))
	fmt.Printf("duplicates: %d\n", result.Duplicates)

	if len(result.Invalid) > 0 {
		fmt.Println()
		for _, e := range result.Invalid {
			fmt.Printf("  %s: %s\n", e.Email, e.Reason)
		}
	}

	if len(result.Valid) == 0 {
		return fmt.Errorf("no valid recipients")
	}
	return nil
}
