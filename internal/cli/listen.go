package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"proxattend/internal/attendance"
	"proxattend/internal/discovery"
	"proxattend/internal/listener"
)

// ListenOptions holds flags for the listen command.
type ListenOptions struct {
	*RootOptions
	SessionToken string
	Section      string
	RollNo       string
	ImageURL     string
	SamplePath   string
	Retries      int
}

// NewListenCommand creates the listen command.
func NewListenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Wait for a session token nearby and mark attendance",
		Long: `Scan for the expected session token, verify identity and mark the student
present once.

The expected token is given with --session or looked up from the current
session of --section.

Example:
  attendctl listen --section CSE:A:1 --roll 01 --sample face.jpg`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.SessionToken, "session", "", "expected session token")
	cmd.Flags().StringVar(&opts.Section, "section", "", "BRANCH:SECTION:YEAR to look the token up")
	cmd.Flags().StringVar(&opts.RollNo, "roll", "", "student roll number (required)")
	cmd.Flags().StringVar(&opts.ImageURL, "image-url", "", "hosted face sample")
	cmd.Flags().StringVar(&opts.SamplePath, "sample", "", "path to a face sample image")
	cmd.Flags().IntVar(&opts.Retries, "retries", 0, "manual retries after a failed mark")
	_ = cmd.MarkFlagRequired("roll")
	cmd.MarkFlagsOneRequired("session", "section")
	return cmd
}

func runListen(cmd *cobra.Command, opts *ListenOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := opts.client()
	token := opts.SessionToken
	if token == "" {
		key, err := ParseSection(opts.Section)
		if err != nil {
			return err
		}
		sess, err := api.FindActiveSession(ctx, key)
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("%w: no active session for %s", attendance.ErrNotFound, key)
		}
		token = sess.Token
	}

	var sample []byte
	if opts.SamplePath != "" {
		b, err := os.ReadFile(opts.SamplePath)
		if err != nil {
			return fmt.Errorf("reading sample: %w", err)
		}
		sample = b
	}

	rdb := opts.redis()
	defer rdb.Close()

	out := cmd.OutOrStdout()
	perm := listener.PermissionFunc(func(context.Context) (bool, error) {
		return opts.RedisAddr != "", nil
	})
	l := listener.New(perm, discovery.NewRedisChannel(rdb.Client, discovery.DefaultInterval), api, api, listener.Config{
		ExpectedToken: token,
		RollNo:        opts.RollNo,
		ImageURL:      opts.ImageURL,
		Sample:        sample,
		OnState: func(s listener.State) {
			if s != listener.Matching {
				fmt.Fprintf(out, "state: %s\n", s)
			}
		},
	})
	fmt.Fprintf(out, "listening for session %s\n", token)
	return listenWithRetries(ctx, l, opts.Retries, out)
}

type runner interface {
	Run(ctx context.Context) (listener.Outcome, error)
	Retry(ctx context.Context) (listener.Outcome, error)
}

func listenWithRetries(ctx context.Context, l runner, retries int, out io.Writer) error {
	o, err := l.Run(ctx)
	for {
		if err != nil {
			if errors.Is(err, attendance.ErrPermission) {
				return fmt.Errorf("%w (enable the discovery relay with --redis)", err)
			}
			return err
		}
		if o.State == listener.Marked {
			fmt.Fprintf(out, "marked present: %s %s in %s-%s-%d (%s)\n",
				o.Result.Student.RollNo, o.Result.Student.Name, o.Result.Branch, o.Result.Section, o.Result.Year, o.Result.Subject)
			return nil
		}
		fmt.Fprintf(out, "mark failed: %s\n", o.Reason)
		if retries <= 0 {
			if o.Err != nil {
				return o.Err
			}
			return errors.New(o.Reason)
		}
		retries--
		o, err = l.Retry(ctx)
	}
}
