// Package commands defines the karite CLI.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/Karite/internal/client"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "karite",
	Short: "Proof-of-capacity miner for Burst-family chains",
	Long: `Karite scans PoC2 plot files and submits the best deadlines it finds to a
pool, proxy or wallet. It reads each drive sequentially, hashes with the
fastest Shabal-256 kernel the CPU supports, and bounds its memory with a
fixed buffer pool.`,
	Version: client.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file")

	rootCmd.SetVersionTemplate(`Karite {{.Version}}
Proof-of-capacity miner

License: MIT
Website: https://github.com/shizukutanaka/Karite
`)
}
