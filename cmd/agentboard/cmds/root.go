package cmds

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentboard/agentboard/pkg/config"
	"github.com/agentboard/agentboard/pkg/logging"
)

// appCfg is the resolved configuration for the invoked command,
// populated by the persistent pre-run.
var appCfg config.Config

var rootCmd = &cobra.Command{
	Use:           "agentboard",
	Short:         "Terminal client for the multi-agent analysis backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return err
		}
		appCfg = cfg
		// reinitialize the logger now that --log-level and co are parsed
		return logging.Init(cfg.Logging)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (default ~/.config/agentboard/config.yaml)")
	pf.String("profile", "", "named config profile to apply")
	pf.String("project", "", "project id")
	pf.String("backend-url", "", "analysis backend base URL")
	pf.String("history", "", "local sqlite history path")
	pf.String("log-level", "", "log level (trace, debug, info, warn, error)")
	pf.String("log-file", "", "rotating log file path")
	pf.Bool("redis", false, "receive stream events over Redis Streams instead of websockets")
	pf.String("redis-addr", "", "redis address")

	viper.SetEnvPrefix("AGENTBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{
		"config", "profile", "project", "backend-url", "history",
		"log-level", "log-file", "redis", "redis-addr",
	} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}

	rootCmd.AddCommand(newChatCmd(), newReplayCmd(), newHistoryCmd(), newDevServerCmd())
}

// resolveConfig layers flags and AGENTBOARD_* environment variables on
// top of the config file profile.
func resolveConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"), viper.GetString("profile"))
	if err != nil {
		return config.Config{}, err
	}
	if v := viper.GetString("project"); v != "" {
		cfg.Project = v
	}
	if v := viper.GetString("backend-url"); v != "" {
		cfg.BackendURL = v
	}
	if v := viper.GetString("history"); v != "" {
		cfg.HistoryPath = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString("log-file"); v != "" {
		cfg.Logging.File = v
	}
	if viper.GetBool("redis") {
		cfg.Redis.Enabled = true
	}
	if v := viper.GetString("redis-addr"); v != "" {
		cfg.Redis.Addr = v
	}
	return cfg, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
