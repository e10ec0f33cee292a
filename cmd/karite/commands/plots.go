package commands

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Karite/internal/config"
	"github.com/shizukutanaka/Karite/internal/plot"
	"github.com/shizukutanaka/Karite/internal/poc"
)

var plotsCmd = &cobra.Command{
	Use:   "plots",
	Short: "List the plot files the miner would use",
	RunE:  runPlots,
}

func init() {
	rootCmd.AddCommand(plotsCmd)
}

func runPlots(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	scanner := plot.NewScanner(zap.NewNop(), cfg.PlotDirs, cfg.HDDUseDirectIO, cfg.CapacityCheckInterval.Std())
	snap := scanner.Scan()

	drives := make([]string, 0, len(snap.Drives))
	for d := range snap.Drives {
		drives = append(drives, d)
	}
	sort.Strings(drives)

	for _, d := range drives {
		fmt.Printf("%s:\n", d)
		for _, f := range snap.Drives[d] {
			fmt.Printf("  %-40s account %-20d %s\n",
				f.ID(), f.AccountID, humanize.IBytes(poc.CapacityBytes(f.Nonces)))
		}
	}
	fmt.Printf("\n%d files, %s total\n", snap.Files, humanize.IBytes(snap.TotalBytes()))
	return nil
}
