/**
 * rollparse - parse a voter-roll text dump from the command line
 *
 * Prints a preview of the raw text followed by the extracted voters as JSON.
 *
 * Usage:
 *   rollparse roll.txt
 *   rollparse --village Rampur --area "Ward 2" --stats roll.txt
 */

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/voteraction/rollimport-worker/internal/config"
	"github.com/voteraction/rollimport-worker/internal/logging"
	"github.com/voteraction/rollimport-worker/internal/rollparser"
)

type options struct {
	profile string
	village string
	area    string
	stats   bool
	preview int
}

func main() {
	if _, err := logging.Init("warn", "console"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logging.Sync()

	if err := newRootCmd().Execute(); err != nil {
		logging.Sync()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "rollparse <file>",
		Short:         "Extract voter records from voter-roll text",
		Long:          `Reads the text of a printed voter roll (pages separated by form feeds) and prints the voters found in it as JSON.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.profile, "profile", "", "roll layout profile (YAML)")
	cmd.Flags().StringVar(&opts.village, "village", "", "default village for records without one")
	cmd.Flags().StringVar(&opts.area, "area", "", "default area for records without one")
	cmd.Flags().BoolVar(&opts.stats, "stats", false, "print the full parse result instead of the voters only")
	cmd.Flags().IntVar(&opts.preview, "preview", 500, "characters of raw text to print before the JSON; 0 disables")
	return cmd
}

func run(out io.Writer, path string, opts *options) error {
	logger := logging.NewLogger("rollparse")

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("Failed to read roll", "path", path, "error", err)
		return err
	}

	profile := config.DefaultProfile()
	if opts.profile != "" {
		if profile, err = config.LoadProfile(opts.profile); err != nil {
			logger.Error("Failed to load profile", "path", opts.profile, "error", err)
			return err
		}
	}

	parserOpts := profile.ParserOptions()
	if opts.village != "" {
		parserOpts.Defaults.Village = opts.village
	}
	if opts.area != "" {
		parserOpts.Defaults.Area = opts.area
	}

	text := string(data)
	if opts.preview > 0 {
		fmt.Fprintln(out, "--- Raw Text Start ---")
		fmt.Fprintln(out, preview(text, opts.preview))
		fmt.Fprintln(out, "--- Raw Text End ---")
	}

	res := rollparser.New(parserOpts).Parse(text)
	logger.Debug("Parsed roll",
		"records", len(res.Records),
		"pages", res.Pages,
		"rejected_blocks", res.RejectedBlocks)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if opts.stats {
		return enc.Encode(res)
	}
	return enc.Encode(res.Records)
}

// preview returns the first n characters of text, never splitting a rune,
// and marks a cut with "...".
func preview(text string, n int) string {
	count := 0
	for i := range text {
		if count == n {
			return text[:i] + "..."
		}
		count++
	}
	return text
}
