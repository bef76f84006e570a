package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tanglechat/tangle/pkg/settings"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tangled",
		Short: "Multi-provider AI chat backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevel, logFormat)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	rootCmd.AddCommand(newServeCommand(), newConfigCommand())
	cobra.CheckErr(rootCmd.Execute())
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(s)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func setupLogging(level, format string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "unknown log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return nil
}

// loadSettings reads the config file when one is given; otherwise it falls
// back to defaults plus API keys from the environment so the server can run
// without a config file at all.
func loadSettings() (*settings.Settings, error) {
	if configPath != "" {
		return settings.Load(configPath)
	}

	s := settings.NewSettings()
	if model := os.Getenv("TANGLE_MODEL"); model != "" {
		s.Chat.Model = model
	} else {
		s.Chat.Model = "gpt-4o-mini"
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		s.Providers[settings.ApiTypeOpenAI] = settings.ProviderSettings{APIKey: key}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		s.Providers[settings.ApiTypeClaude] = settings.ProviderSettings{APIKey: key}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		s.Providers[settings.ApiTypeGemini] = settings.ProviderSettings{APIKey: key}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
