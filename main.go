// Package main provides the penf-transcribe entry point.
// penf-transcribe is the meeting transcription worker of the Penfold pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-transcribe/cmd"
	"github.com/otherjamesbrown/penf-transcribe/pkg/buildinfo"
)

const serviceName = "penf-transcribe"

// Global flags.
var (
	cfgFile           string
	versionOutputJSON bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "penf-transcribe",
	Short: "Penfold meeting transcription worker",
	Long: `penf-transcribe turns recorded meeting audio into speaker-attributed
transcripts.

The orchestrator splits each recording into chunks and publishes one task per
chunk. The worker diarizes each chunk, maps its speakers onto ids that stay
stable for the whole meeting, transcribes every turn and appends the result
to the meeting's transcript.

Configuration is read from --config, $PENF_TRANSCRIBE_CONFIG or ./config.yaml,
then overridden by PENF_TRANSCRIBE_* environment variables.

COMMON WORKFLOWS:
  Run the worker:     penf-transcribe worker
  Submit a chunk:     penf-transcribe enqueue --meeting m-42 --file chunk.wav
  Read the result:    penf-transcribe transcript m-42  |  penf-transcribe speakers m-42
  Prepare Postgres:   penf-transcribe migrate`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the version, commit hash, and build time of penf-transcribe.

Examples:
  penf-transcribe version
  penf-transcribe version --output-json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionOutputJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(buildinfo.Get(serviceName))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, buildinfo.String())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $PENF_TRANSCRIBE_CONFIG or ./config.yaml)")

	deps := cmd.DefaultDeps(func() string { return cfgFile })

	rootCmd.AddCommand(cmd.NewWorkerCommand(deps))
	rootCmd.AddCommand(cmd.NewEnqueueCommand(deps))
	rootCmd.AddCommand(cmd.NewTranscriptCommand(deps))
	rootCmd.AddCommand(cmd.NewSpeakersCommand(deps))
	rootCmd.AddCommand(cmd.NewMigrateCommand(deps))

	versionCmd.Flags().BoolVar(&versionOutputJSON, "output-json", false, "Output as JSON")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// SIGINT and SIGTERM cancel the context; the worker finishes settling
	// before returning.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
