package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"writeoff-bot/internal/export"
	"writeoff-bot/internal/repository"
	"writeoff-bot/internal/usecase"
)

const dateFormat = "02.01.2006"

// fileConfig is the reportctl configuration read from a YAML file.
type fileConfig struct {
	AuditTable string `yaml:"audit_table"`
	Timezone   string `yaml:"timezone"`
}

var (
	cfgFile string
	outFile string
)

var rootCmd = &cobra.Command{
	Use:           "reportctl",
	Short:         "Daily reports over the operations journal",
	Long:          "reportctl reads the operations journal and produces daily summaries,\neither as text or as an xlsx workbook.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var dailyCmd = &cobra.Command{
	Use:   "daily [DD.MM.YYYY]",
	Short: "Print the summary for a day (default: today)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, loc, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}
		label, err := resolveDate(args, loc)
		if err != nil {
			return err
		}

		s, err := summarize(cmd.Context(), cfg, label)
		if err != nil {
			return err
		}
		printSummary(cmd, s)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [DD.MM.YYYY]",
	Short: "Write the summary for a day into an xlsx workbook",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, loc, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}
		label, err := resolveDate(args, loc)
		if err != nil {
			return err
		}

		s, err := summarize(cmd.Context(), cfg, label)
		if err != nil {
			return err
		}
		if err := export.WriteDailySummary(outFile, s); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "written %s (%d operations)\n", outFile, s.Total)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the configuration file")
	exportCmd.Flags().StringVar(&outFile, "out", "report.xlsx", "output workbook path")
	rootCmd.AddCommand(dailyCmd, exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (fileConfig, *time.Location, error) {
	cfg := fileConfig{Timezone: "Asia/Novosibirsk"}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.AuditTable == "" {
		return cfg, nil, errors.New("config: audit_table is required")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return cfg, nil, fmt.Errorf("config: timezone %q: %w", cfg.Timezone, err)
	}
	return cfg, loc, nil
}

func resolveDate(args []string, loc *time.Location) (string, error) {
	if len(args) == 0 {
		return time.Now().In(loc).Format(dateFormat), nil
	}
	d, err := time.ParseInLocation(dateFormat, args[0], loc)
	if err != nil {
		return "", fmt.Errorf("date must be DD.MM.YYYY: %w", err)
	}
	return d.Format(dateFormat), nil
}

func summarize(ctx context.Context, cfg fileConfig, label string) (usecase.Summary, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return usecase.Summary{}, fmt.Errorf("load AWS config: %w", err)
	}
	store, err := repository.NewAuditStore(awsdynamodb.NewFromConfig(awsCfg), cfg.AuditTable)
	if err != nil {
		return usecase.Summary{}, err
	}
	reporter := usecase.NewReporter(store, slog.Default())
	return reporter.Summarize(ctx, label), nil
}

func printSummary(cmd *cobra.Command, s usecase.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Report for %s\n\nTotal operations: %d\n", s.DateLabel, s.Total)

	for _, section := range []struct {
		title  string
		counts map[string]int
	}{
		{"By status", s.ByStatus},
		{"By store", s.ByStore},
		{"By account", s.ByAccount},
	} {
		if len(section.counts) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n%s:\n", section.title)
		for _, key := range usecase.SortedCountKeys(section.counts) {
			fmt.Fprintf(out, "  %-30s %d\n", key, section.counts[key])
		}
	}
}
