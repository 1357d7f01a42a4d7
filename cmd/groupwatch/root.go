package main

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/groupwatch/backend/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "groupwatch",
		Short:         "Track group instance sessions, co-presence time and friend activity",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(*cobra.Command, []string) {
			loadDotEnv()
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.yaml (default "+config.DefaultPath()+")")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newSessionsCmd(opts),
		newFeedCmd(opts),
		newStatsCmd(opts),
		newConfigCmd(opts),
	)
	return rootCmd
}

// load reads the config file, falling back to defaults when the default
// path does not exist. An explicit --config must exist.
func (o *rootOptions) load() (*config.Config, error) {
	if o.configPath != "" {
		return config.Load(o.configPath)
	}
	return config.LoadOrDefault(config.DefaultPath())
}

// loadDotEnv loads .env.local then .env from the working directory. Values
// already in the environment win.
func loadDotEnv() {
	if dotEnvDisabled() {
		return
	}
	for _, p := range []string{".env.local", ".env"} {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			log.Printf("groupwatch: failed to load %s: %v", p, err)
		} else {
			log.Printf("groupwatch: loaded env from %s", p)
		}
	}
}

func dotEnvDisabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("GROUPWATCH_DOTENV"))) {
	case "0", "false", "off", "no":
		return true
	default:
		return false
	}
}
