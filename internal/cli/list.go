package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/mutq/internal/request"
)

// ListResult is the persisted queue state.
type ListResult struct {
	Queue    []request.Request `json:"queue"`
	Ongoing  *request.Request  `json:"ongoing,omitempty"`
	Revision uint64            `json:"revision"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the persisted queue and ongoing slot",
		Long: `Show the queue and the ongoing slot exactly as persisted.

list reads the store without opening the queue, so a request left in the
ongoing slot by a crash is shown there rather than recovered. Use
"mutq recover" to re-queue it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(rootOpts, cmd)
		},
	}
}

func runList(opts *RootOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts)
	ctx := cmd.Context()

	st, err := opts.openStore(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "failed to open store", err)
	}
	defer st.Close()

	res, err := opts.readPersisted(ctx, st)
	if err != nil {
		return out.Fail(ExitFailure, CodeStore, "failed to read queue", err)
	}

	return out.Success(res, func(w io.Writer) {
		if res.Ongoing != nil {
			fmt.Fprintf(w, "Ongoing: #%d %s\n", res.Ongoing.RequestID, res.Ongoing.Command)
		} else {
			fmt.Fprintln(w, "Ongoing: none")
		}
		fmt.Fprintf(w, "Queue (%d):\n", len(res.Queue))
		for _, r := range res.Queue {
			fmt.Fprintf(w, "  #%d %s", r.RequestID, r.Command)
			if opts.Verbose && len(r.Data) > 0 {
				fmt.Fprintf(w, " %s", r.Data)
			}
			fmt.Fprintln(w)
		}
	})
}
