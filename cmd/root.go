package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Default configuration path
const defCfgPath = "/etc/hlsvod/"

// ENV prefix for configuration
const envPrefix = "HLSVOD"

var rootCmd = &cobra.Command{
	Use:     "hlsvod",
	Short:   "HLS VOD server CLI.",
	Long:    `On-demand HLS segmenting of local MP4 files, without transcoding.`,
	Version: "1.0.0",
	// commands print their own errors through the logger
	SilenceUsage: true,
}

// hooks called when the configuration file changes
var onConfigLoad []func()

func init() {
	var cfgFile string
	var logConfig logConfig

	cobra.OnInitialize(func() {
		initConfiguration(cfgFile, defCfgPath, envPrefix)
		logConfig.Set()
		initLogging(logConfig)

		// display used configuration file
		file := viper.ConfigFileUsed()
		if file == "" {
			log.Warn().Msg("preflight complete without config file")
			return
		}

		viper.OnConfigChange(func(e fsnotify.Event) {
			log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("config file reloaded")

			// log level can change without restart
			setLogLevel(viper.GetString("log.level"))

			// call load config
			for _, loadConfig := range onConfigLoad {
				loadConfig()
			}
		})

		viper.WatchConfig()

		log.Info().Str("config", file).Msg("preflight complete with config file")
	})

	// config file
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file path")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	// log configuration
	_ = logConfig.Init(rootCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

//
// Configuration initialization
//

func initConfiguration(cfgFile string, defCfgPath string, envPrefix string) {
	// use configuration file if provided
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// configuration file name
		viper.SetConfigName("config")

		// search for configuration file
		if runtime.GOOS == "linux" && defCfgPath != "" {
			viper.AddConfigPath(defCfgPath)
		}

		// search for configuration file in ./
		viper.AddConfigPath(".")
	}

	if envPrefix != "" {
		// env prefix is uppercase progname
		viper.SetEnvPrefix(envPrefix)

		// replace . and - with _
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

		// read in environment variables that match
		viper.AutomaticEnv()
	}

	// read config file
	err := viper.ReadInConfig()
	if err != nil && cfgFile != "" {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
}
