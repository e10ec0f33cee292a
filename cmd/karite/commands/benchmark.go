package commands

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/Karite/internal/poc"
)

var benchDuration time.Duration

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Measure deadline hashing throughput per kernel",
	RunE:  runBenchmark,
}

func init() {
	benchmarkCmd.Flags().DurationVar(&benchDuration, "duration", 2*time.Second, "time per kernel")
	rootCmd.AddCommand(benchmarkCmd)
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	var gensig [poc.GenSigSize]byte
	rand.Read(gensig[:])

	const nonces = 4096
	data := make([]byte, nonces*poc.ScoopSize)
	rand.Read(data)

	if err := poc.SelfTest(); err != nil {
		return err
	}
	selected := poc.SelectKernel()
	fmt.Printf("selected kernel: %s (%d lanes)\n\n", selected.Name, selected.Lanes)

	for _, k := range poc.Kernels() {
		var hashed uint64
		start := time.Now()
		for time.Since(start) < benchDuration {
			k.Find(&gensig, data, nonces)
			hashed += nonces
		}
		elapsed := time.Since(start).Seconds()
		fmt.Printf("%-8s %12.0f nonces/s %12s/s\n",
			k.Name,
			float64(hashed)/elapsed,
			humanize.IBytes(uint64(float64(hashed)*poc.ScoopSize/elapsed)),
		)
	}
	return nil
}
