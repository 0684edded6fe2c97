package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"github.com/otherjamesbrown/penf-transcribe/config"
	"github.com/otherjamesbrown/penf-transcribe/pkg/speakers"
	"github.com/otherjamesbrown/penf-transcribe/pkg/store"
)

// Read command flags
var (
	transcriptOutput string
	speakersOutput   string
)

// NewTranscriptCommand creates the 'transcript' command.
func NewTranscriptCommand(deps *Deps) *cobra.Command {
	deps = orDefault(deps)

	cmd := &cobra.Command{
		Use:   "transcript <meeting-id>",
		Short: "Print a meeting's stitched transcript",
		Long: `Print every transcription record of a meeting in timeline order.

Text output has one line per turn:
  [0:00:03 - 0:00:07] Speaker 1: Dzień dobry

Examples:
  penf-transcribe transcript m-42
  penf-transcribe transcript m-42 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(transcriptOutput)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			st, err := deps.OpenStore(ctx, cfg, deps.NewLogger(cfg))
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close(ctx)

			records, err := st.ListTranscriptions(ctx, args[0])
			if err != nil {
				return fmt.Errorf("listing transcriptions: %w", err)
			}
			if format != config.OutputFormatText {
				return writeFormatted(deps.Out, format, records)
			}
			return outputTranscriptText(deps.Out, args[0], records)
		},
	}

	cmd.Flags().StringVarP(&transcriptOutput, "output", "o", "", "Output format: text, json, yaml")

	return cmd
}

func outputTranscriptText(w io.Writer, meetingID string, records []store.TranscriptionRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintf(w, "No transcript for meeting %s.\n", meetingID)
		return err
	}
	for _, r := range records {
		if _, err := fmt.Fprintf(w, "[%s - %s] %s: %s\n", r.TimestampStart, r.TimestampEnd, r.SpeakerID, r.Transcription); err != nil {
			return err
		}
	}
	return nil
}

type speakerSummary struct {
	SpeakerID  string  `json:"speaker_id" yaml:"speaker_id"`
	Dimensions int     `json:"dimensions" yaml:"dimensions"`
	Norm       float64 `json:"norm" yaml:"norm"`
}

func summarizeSpeakers(refs speakers.ReferenceSet) []speakerSummary {
	out := make([]speakerSummary, 0, len(refs))
	for _, id := range refs.IDs() {
		v := refs[id]
		out = append(out, speakerSummary{
			SpeakerID:  id,
			Dimensions: len(v),
			Norm:       floats.Norm(v, 2),
		})
	}
	return out
}

// NewSpeakersCommand creates the 'speakers' command.
func NewSpeakersCommand(deps *Deps) *cobra.Command {
	deps = orDefault(deps)

	cmd := &cobra.Command{
		Use:   "speakers <meeting-id>",
		Short: "Print a meeting's speaker reference set",
		Long: `Print the speaker ids known for a meeting with their reference vector
sizes. Ids ("Speaker 1", "Speaker 2", ...) are minted in order of first
appearance across the meeting's chunks.

Examples:
  penf-transcribe speakers m-42
  penf-transcribe speakers m-42 -o yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(speakersOutput)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			st, err := deps.OpenStore(ctx, cfg, deps.NewLogger(cfg))
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close(ctx)

			refs, err := st.GetReferences(ctx, args[0])
			if err != nil {
				return fmt.Errorf("reading references: %w", err)
			}
			summary := summarizeSpeakers(refs)
			if format != config.OutputFormatText {
				return writeFormatted(deps.Out, format, summary)
			}

			if len(summary) == 0 {
				fmt.Fprintf(deps.Out, "No speakers for meeting %s.\n", args[0])
				return nil
			}
			tw := tabwriter.NewWriter(deps.Out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SPEAKER\tDIMS\tNORM")
			for _, s := range summary {
				fmt.Fprintf(tw, "%s\t%d\t%.4f\n", s.SpeakerID, s.Dimensions, s.Norm)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&speakersOutput, "output", "o", "", "Output format: text, json, yaml")

	return cmd
}
