package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/mutq/internal/request"
)

// RemoveResult is the output of the remove and clear commands.
type RemoveResult struct {
	Removed     int `json:"removed"`
	QueueLength int `json:"queue_length"`
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	var command string

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove queued requests by command",
		Long: `Remove every queued request whose command matches --command.

The ongoing request is never removed.

Example:
  mutq remove --db ./mutq.db --command AddComment`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(rootOpts, cmd, func(r request.Request) bool {
				return r.Command == command
			})
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "command name to remove (required)")
	_ = cmd.MarkFlagRequired("command")

	return cmd
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every queued request",
		Long:  "Remove every queued request. The ongoing request is left in place.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(rootOpts, cmd, nil)
		},
	}
}

// runRemove removes requests matching pred, or clears the queue when pred
// is nil.
func runRemove(opts *RootOptions, cmd *cobra.Command, pred func(request.Request) bool) error {
	out := newFormatter(cmd, opts)
	ctx := cmd.Context()

	s, err := opts.openSession(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "failed to open queue", err)
	}

	var removed int
	if pred == nil {
		removed = s.manager.Len()
		err = s.manager.Clear(ctx)
	} else {
		removed, err = s.manager.RemoveMatching(ctx, pred)
	}
	if err != nil {
		_ = s.Close()
		return out.Fail(ExitFailure, CodeStore, "remove failed", err)
	}
	length := s.manager.Len()

	if err := s.Close(); err != nil {
		return out.Fail(ExitFailure, CodeDurability, "removal not persisted", err)
	}

	res := RemoveResult{Removed: removed, QueueLength: length}
	return out.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Removed %d request(s), %d left\n", res.Removed, res.QueueLength)
	})
}
