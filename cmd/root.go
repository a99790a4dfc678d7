package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dSTM/cmd/bench"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dstm",
		Short: "software transactional memory toolkit",
		Long: fmt.Sprintf(`dSTM (v%s)

A word-granular software transactional memory library written in Go,
batching concurrent transactions into epochs for conflict isolation.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dSTM",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dSTM v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
