package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keyrail/keyrail/internal/doctor"
)

var (
	doctorJSON         bool
	doctorSkipUpstream bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check keyrail configuration and runtime health",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "output JSON")
	doctorCmd.Flags().BoolVar(&doctorSkipUpstream, "skip-upstream", false, "skip endpoint connectivity checks")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	report := doctor.Run(cmd.Context(), doctor.Options{SkipUpstream: doctorSkipUpstream})

	if doctorJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		for _, c := range report.Checks {
			marker := "✓"
			switch c.Status {
			case "warn":
				marker = "!"
			case "fail":
				marker = "✗"
			}
			fmt.Printf("%s [%s] %s: %s\n", marker, c.Category, c.Name, c.Message)
			if c.Fix != "" && c.Status != "pass" {
				fmt.Printf("    fix: %s\n", c.Fix)
			}
		}
		fmt.Printf("\n%d passed, %d warnings, %d failures\n", report.Summary.Pass, report.Summary.Warn, report.Summary.Fail)
	}

	if report.Status == "fail" {
		return errors.New("doctor found failures")
	}
	return nil
}
