package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/m1k1o/go-hlsvod/internal/serve"
)

func init() {
	service := serve.NewCommand()

	command := &cobra.Command{
		Use:   "serve",
		Short: "serve hls vod server",
		Long:  `serve HLS playlists and segments of media files in the media dir`,
		PreRun: func(cmd *cobra.Command, args []string) {
			for _, cfg := range service.Configs() {
				cfg.Set()
			}
			service.Preflight()

			onConfigLoad = append(onConfigLoad, service.ConfigReload)
		},
		Run: service.Run,
	}

	for _, cfg := range service.Configs() {
		if err := cfg.Init(command); err != nil {
			log.Panic().Err(err).Msg("unable to run serve command")
		}
	}

	rootCmd.AddCommand(command)
}
