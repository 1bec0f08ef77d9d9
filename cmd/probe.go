package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/m1k1o/go-hlsvod/pkg/hlsvod"
)

func init() {
	var opts hlsvod.Options

	command := &cobra.Command{
		Use:   "probe <file>",
		Short: "print stream index of a media file",
		Long:  `print tracks and segment boundaries of a media file as yaml`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := hlsvod.Init(hlsvod.InitOptions{}); err != nil {
				return err
			}

			index, err := hlsvod.Open(args[0], &opts)
			if err != nil {
				return fmt.Errorf("unable to probe %s: %w", args[0], err)
			}

			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close()

			return enc.Encode(index)
		},
	}

	command.Flags().Float64Var(&opts.SegmentDuration, "segment-duration", 4, "target segment duration in seconds")
	command.Flags().BoolVar(&opts.Cache, "cache", false, "read and write the index cache")
	command.Flags().StringVar(&opts.CacheDir, "cache-dir", "", "index cache directory, next to the media when empty")

	rootCmd.AddCommand(command)
}
