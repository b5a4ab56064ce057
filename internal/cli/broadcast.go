package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"proxattend/internal/attendance"
	"proxattend/internal/broadcaster"
	"proxattend/internal/discovery"
)

// BroadcastOptions holds flags for the broadcast command.
type BroadcastOptions struct {
	*RootOptions
	Authority    string
	Subject      string
	Sections     []string
	PollInterval time.Duration
}

// NewBroadcastCommand creates the broadcast command.
func NewBroadcastCommand(rootOpts *RootOptions, poll time.Duration) *cobra.Command {
	opts := &BroadcastOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Open a session and advertise its token",
		Long: `Open a session for one or more sections and advertise its token until
Enter is pressed. The live present count is printed on every poll.

After broadcasting stops the roster can be corrected:
  present <roll>   mark a student present
  absent <roll>    mark a student absent
  list             print the roster
  done             submit attendance and archive the session
  abandon          delete the session without archiving

Interrupting the command abandons the session.

Example:
  attendctl broadcast --authority t@x.edu --subject DS --section CSE:A:1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroadcast(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Authority, "authority", "", "authority email (required)")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "subject label (required)")
	cmd.Flags().StringArrayVar(&opts.Sections, "section", nil, "BRANCH:SECTION:YEAR, repeatable (required)")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll", poll, "live count poll interval")
	_ = cmd.MarkFlagRequired("authority")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("section")
	return cmd
}

func runBroadcast(cmd *cobra.Command, opts *BroadcastOptions) error {
	keys := make([]attendance.SectionKey, 0, len(opts.Sections))
	for _, s := range opts.Sections {
		k, err := ParseSection(s)
		if err != nil {
			return err
		}
		keys = append(keys, k)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := opts.redis()
	defer rdb.Close()
	api := opts.client()
	out := cmd.OutOrStdout()

	b := broadcaster.New(api, discovery.NewRedisChannel(rdb.Client, discovery.DefaultInterval), api, broadcaster.Config{
		AuthorityEmail: opts.Authority,
		Subject:        opts.Subject,
		Sections:       keys,
		PollInterval:   opts.PollInterval,
		OnLiveCount: func(c attendance.Counts) {
			fmt.Fprintf(out, "present %d/%d\n", c.Present, c.Total)
		},
	})
	sess, err := b.Start(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "broadcasting token %s for %d students; press Enter to stop\n", sess.Token, sess.TotalStudents())

	lines := readLines(ctx, cmd.InOrStdin())
	return superviseBroadcast(ctx, b, lines, out)
}

// session is the broadcaster surface the interactive loop drives.
type session interface {
	Stop(ctx context.Context) error
	Reload(ctx context.Context) error
	SetPresent(rollNo string, present bool) error
	Review() []attendance.SectionGroup
	Finalize(ctx context.Context) (attendance.ArchivedSession, error)
	Abandon() <-chan struct{}
	Done() <-chan struct{}
	Err() error
}

// abandonWait bounds how long the command lingers for the best-effort delete
// before exiting.
const abandonWait = 3 * time.Second

func abandon(b session, out io.Writer) error {
	fmt.Fprintln(out, "abandoning session")
	if done := b.Abandon(); done != nil {
		select {
		case <-done:
		case <-time.After(abandonWait):
		}
	}
	return nil
}

func superviseBroadcast(ctx context.Context, b session, lines <-chan string, out io.Writer) error {
	select {
	case <-ctx.Done():
		return abandon(b, out)
	case <-b.Done():
		err := b.Err()
		if err == nil {
			return abandon(b, out)
		}
		fmt.Fprintf(out, "broadcast failed: %v; students can no longer discover this session\n", err)
	case _, ok := <-lines:
		if !ok {
			return abandon(b, out)
		}
	}

	if err := b.Stop(ctx); err != nil {
		fmt.Fprintf(out, "loading roster failed: %v (type reload)\n", err)
	} else {
		printRoster(out, b.Review())
	}

	for {
		select {
		case <-ctx.Done():
			return abandon(b, out)
		case line, ok := <-lines:
			if !ok {
				return abandon(b, out)
			}
			done, err := reviewCommand(ctx, b, line, out)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

// reviewCommand applies one review line and reports whether the session is
// over.
func reviewCommand(ctx context.Context, b session, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch fields[0] {
	case "present", "absent":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: %s <roll>", fields[0])
		}
		return false, b.SetPresent(fields[1], fields[0] == "present")
	case "list":
		printRoster(out, b.Review())
		return false, nil
	case "reload":
		if err := b.Reload(ctx); err != nil {
			return false, err
		}
		printRoster(out, b.Review())
		return false, nil
	case "done":
		a, err := b.Finalize(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "archived session %s (%s)\n", a.Token, a.ID)
		return true, nil
	case "abandon":
		return true, abandon(b, out)
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}

func printRoster(out io.Writer, groups []attendance.SectionGroup) {
	for _, g := range groups {
		fmt.Fprintf(out, "%s\n", g.Key())
		for _, st := range g.Students {
			mark := " "
			if st.Present {
				mark = "x"
			}
			fmt.Fprintf(out, "  [%s] %s %s\n", mark, st.RollNo, st.Name)
		}
	}
}

// readLines forwards lines from r until EOF or ctx is done.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
