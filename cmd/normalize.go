package cmd

import (
	"fmt"
	"io"
	"os"

	"warden/core"
	"warden/ingest"

	"github.com/spf13/cobra"
)

func newNormalizeCmd() *cobra.Command {
	var (
		sensor  string
		stream  string
		msgpack bool
	)

	cmd := &cobra.Command{
		Use:   "normalize <file|->",
		Short: "Normalize one sensor payload into a canonical event",
		Long: `Run a raw sensor record through the same normalizer the service uses and
print the resulting canonical event. Use - to read from stdin.`,
		Example: `  warden normalize --sensor suricata eve.json
  cat alert.json | warden normalize --sensor wazuh -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			payload := ingest.RawPayload{
				Sensor:   core.SensorKind(sensor),
				Stream:   stream,
				Encoding: ingest.EncodingJSON,
				Body:     body,
			}
			if msgpack {
				payload.Encoding = ingest.EncodingMsgpack
			}

			ev, err := ingest.NewNormalizer().Normalize(payload)
			if err != nil {
				return fmt.Errorf("normalization failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				return writeJSON(out, ev.View())
			}

			view := ev.View()
			headerColor.Fprintf(out, "Event %s\n", view.ID)
			fmt.Fprintf(out, "  Sensor:      %s/%s\n", view.Sensor, view.Stream)
			fmt.Fprintf(out, "  Timestamp:   %s\n", view.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
			fmt.Fprintf(out, "  Severity:    %s\n", view.Severity)
			if view.Signature != "" {
				fmt.Fprintf(out, "  Signature:   %s\n", view.Signature)
			}
			fmt.Fprintf(out, "  Fingerprint: %s\n", view.Fingerprint)
			fmt.Fprintf(out, "  Indicators:\n")
			for _, ind := range view.Indicators {
				infoColor.Fprintf(out, "    %-8s", ind.Kind)
				fmt.Fprintf(out, " %s\n", ind.Value)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sensor, "sensor", "", "Sensor kind (suricata, wazuh, yara, zeek, velociraptor, canonical)")
	cmd.Flags().StringVar(&stream, "stream", "", "Stream identifier (default: sensor kind)")
	cmd.Flags().BoolVar(&msgpack, "msgpack", false, "Input is MessagePack instead of JSON")
	_ = cmd.MarkFlagRequired("sensor")
	return cmd
}

// readInput reads path, or stdin for "-", up to maxInputFileSize
func readInput(stdin io.Reader, path string) ([]byte, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(io.LimitReader(r, maxInputFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if len(data) > maxInputFileSize {
		return nil, fmt.Errorf("input exceeds %d bytes", maxInputFileSize)
	}
	return data, nil
}
