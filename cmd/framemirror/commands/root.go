package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "framemirror",
		Short: "FrameMirror - Mirror a monitor or window into a shareable window",
		Long: `FrameMirror captures a single monitor or application window and mirrors it
into its own window, so a video call can share exactly that region instead
of the whole desktop.

Features:
  • Compositor capture via X11 Composite/Damage or DXGI desktop duplication
  • Last-frame hold on dropped frames, automatic rebuild after device loss
  • Monitor and window discovery
  • Persistent configuration
  • Local REST/WebSocket control API`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/framemirror/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "control API port (default is 8090)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("api.port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	// FRAMEMIRROR_PRESENTATION_FPS overrides presentation.fps
	viper.SetEnvPrefix("framemirror")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
