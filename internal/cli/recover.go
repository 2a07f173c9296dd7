package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/mutq/internal/request"
)

// RecoverResult is the output of the recover command.
type RecoverResult struct {
	// Requeued is the ID of the request moved from the ongoing slot back to
	// the head of the queue, or 0.
	Requeued int64   `json:"requeued,omitempty"`
	Queue    []int64 `json:"queue"`
	Degraded bool    `json:"degraded"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Re-queue a request interrupted by a crash",
		Long: `Open the queue, which moves a request left in the ongoing slot back to
the head of the queue, and persist the result.

Exit codes:
  0 - Store is consistent
  1 - Recovery could not be persisted
  2 - Store could not be opened or decoded`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(rootOpts, cmd)
		},
	}
}

func runRecover(opts *RootOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts)
	ctx := cmd.Context()

	// Capture the ongoing slot before the queue recovers it.
	st, err := opts.openStore(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "failed to open store", err)
	}
	before, err := opts.readPersisted(ctx, st)
	_ = st.Close()
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "failed to read queue", err)
	}

	s, err := opts.openSession(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "failed to open queue", err)
	}
	res := RecoverResult{
		Queue:    request.IDs(s.manager.ReadAll()),
		Degraded: s.manager.Degraded(),
	}
	if before.Ongoing != nil {
		res.Requeued = before.Ongoing.RequestID
	}
	if err := s.Close(); err != nil {
		return out.Fail(ExitFailure, CodeDurability, "recovery not persisted", err)
	}

	return out.Success(res, func(w io.Writer) {
		if res.Requeued != 0 {
			fmt.Fprintf(w, "Re-queued #%d at the head of the queue\n", res.Requeued)
		} else {
			fmt.Fprintln(w, "Nothing to recover")
		}
		fmt.Fprintf(w, "Queue: %v\n", res.Queue)
	})
}
