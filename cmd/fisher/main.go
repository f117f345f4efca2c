// Command fisher runs the webhook-dispatching daemon described in
// internal/supervisor. Flag/config wiring follows
// _examples/Quatton-qwex/apps/qwexctl/cmd/root.go's cobra-plus-viper
// pattern: cobra owns the flags, viper owns precedence between a flag, an
// optional TOML file, and a default, and internal/config.Load resolves
// viper's view into a single Config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pietroalbini/fisher/internal/config"
	"github.com/pietroalbini/fisher/internal/logging"
	"github.com/pietroalbini/fisher/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string
	var envPairs []string
	var verbose bool
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "fisher <scripts-dir>",
		Short: "Dispatch webhooks to executable scripts with a priority queue and bounded worker pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v.Set("scripts.path", args[0])

			env, err := parseEnvPairs(envPairs)
			if err != nil {
				return err
			}
			if len(env) > 0 {
				v.Set("env", env)
			}

			if err := bindFlags(v, cmd); err != nil {
				return fmt.Errorf("binding flags: %w", err)
			}

			cfg, err := config.Load(v, cfgPath)
			if err != nil {
				return fmt.Errorf("resolving configuration: %w", err)
			}

			logger := logging.New(os.Stderr, verbose)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sup, err := supervisor.New(ctx, v, cfgPath, cfg, logger)
			if err != nil {
				return fmt.Errorf("starting up: %w", err)
			}

			return sup.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.Int("behind-proxies", 0, "number of reverse proxies in front of fisher; trust this many X-Forwarded-For hops")
	flags.StringP("bind", "b", "127.0.0.1:8000", "address to bind the HTTP front-end to")
	flags.IntP("jobs", "j", 1, "number of worker goroutines")
	flags.Bool("no-health", false, "disable the /health endpoint")
	flags.BoolP("recursive", "r", false, "scan the scripts directory recursively")
	flags.String("rate-limit", "10/1m", "rejected-request rate limit as N/<duration>, e.g. 10/1m")
	flags.StringArrayVarP(&envPairs, "env", "e", nil, "KEY=VALUE; additional environment variable for every script (repeatable)")
	flags.StringVar(&cfgPath, "config", "", "TOML configuration file; CLI flags override its values")
	flags.BoolVar(&verbose, "verbose", false, "log at debug level")

	if err := cmd.Execute(); err != nil {
		logging.New(os.Stderr, verbose).Error("fisher exited with an error", "error", err)
		return 1
	}
	return 0
}

// bindFlags maps cobra's flat flag names onto the dotted viper keys
// internal/config.Load expects, and only when the user actually set the
// flag — viper's own precedence (explicit Set > bound flag > config file
// > default) is what gives internal/config.Load "CLI overrides file"
// semantics for free. --no-health is inverted into http.health-endpoint.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	binds := map[string]string{
		"behind-proxies": "http.behind-proxies",
		"bind":           "http.bind",
		"jobs":           "jobs.threads",
		"recursive":      "scripts.recursive",
		"rate-limit":     "http.rate-limit",
	}
	for flagName, key := range binds {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	if cmd.Flags().Changed("no-health") {
		noHealth, err := cmd.Flags().GetBool("no-health")
		if err != nil {
			return err
		}
		v.Set("http.health-endpoint", !noHealth)
	}

	return nil
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, val, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid -e value %q, expected KEY=VALUE", pair)
		}
		out[k] = val
	}
	return out, nil
}
