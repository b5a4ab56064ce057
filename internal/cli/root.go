// Package cli implements attendctl, the device-side command line that runs
// the broadcaster and listener against the API.
package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"proxattend/internal/apiclient"
	"proxattend/internal/attendance"
	"proxattend/internal/config"
	"proxattend/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	APIBaseURL string
	Token      string
	RedisAddr  string
	LogLevel   string
}

// NewRootCommand creates the attendctl root command with defaults taken from
// the environment.
func NewRootCommand() *cobra.Command {
	env := config.LoadClient()
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "attendctl",
		Short: "Run proximity attendance sessions",
		Long:  "attendctl broadcasts a session token as an instructor or listens for it as a student.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.NewLoggerTo(cmd.ErrOrStderr(), opts.LogLevel)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.APIBaseURL, "api", env.APIBaseURL, "API base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "access-token", env.AccessToken, "device access token")
	cmd.PersistentFlags().StringVar(&opts.RedisAddr, "redis", env.RedisAddr, "redis address of the discovery relay")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", env.LogLevel, "log level (debug|info|warn|error)")

	cmd.AddCommand(NewRegisterCommand(opts))
	cmd.AddCommand(NewCurrentCommand(opts))
	cmd.AddCommand(NewBroadcastCommand(opts, env.PollInterval))
	cmd.AddCommand(NewListenCommand(opts))
	return cmd
}

func (o *RootOptions) client() *apiclient.Client {
	return apiclient.New(o.APIBaseURL, o.Token)
}

func (o *RootOptions) redis() *store.Redis {
	return store.NewRedis(o.RedisAddr)
}

// ParseSection reads "BRANCH:SECTION:YEAR".
func ParseSection(s string) (attendance.SectionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return attendance.SectionKey{}, fmt.Errorf("section %q: want BRANCH:SECTION:YEAR", s)
	}
	year, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return attendance.SectionKey{}, fmt.Errorf("section %q: year: %w", s, err)
	}
	k := attendance.SectionKey{Branch: parts[0], Section: parts[1], Year: year}.Normalize()
	if err := k.Validate(); err != nil {
		return attendance.SectionKey{}, fmt.Errorf("section %q: %w", s, err)
	}
	return k, nil
}
