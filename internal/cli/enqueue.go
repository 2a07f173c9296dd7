package cli

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/mutq/internal/queue"
	"github.com/roach88/mutq/internal/request"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Data        string
	SuccessData string
	FailureData string
}

// EnqueueResult is the output of the enqueue command.
type EnqueueResult struct {
	RequestID   int64  `json:"request_id"`
	Command     string `json:"command"`
	Fingerprint string `json:"fingerprint"`
	QueueLength int    `json:"queue_length"`
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <command>",
		Short: "Append a request to the queue",
		Long: `Append a write request to the tail of the queue.

The request ID is assigned after the highest ID already in the store.
--success-data and --failure-data take a JSON array of updates:
  [{"method": "set", "key": "report_1", "value": {"state": "open"}}]

Examples:
  mutq enqueue OpenReport --db ./mutq.db --data '{"reportID": 1}'
  mutq enqueue AddComment --db ./mutq.db --data '{"text": "hi"}' --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "command payload (JSON)")
	cmd.Flags().StringVar(&opts.SuccessData, "success-data", "", "updates applied when the send succeeds (JSON array)")
	cmd.Flags().StringVar(&opts.FailureData, "failure-data", "", "updates applied when the send is rejected (JSON array)")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, command string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	r := request.Request{Command: command}
	if opts.Data != "" {
		r.Data = []byte(opts.Data)
	}
	var err error
	if r.SuccessData, err = parseUpdates("--success-data", opts.SuccessData); err != nil {
		return out.Fail(ExitCommandError, CodeInvalid, "invalid request", err)
	}
	if r.FailureData, err = parseUpdates("--failure-data", opts.FailureData); err != nil {
		return out.Fail(ExitCommandError, CodeInvalid, "invalid request", err)
	}

	ctx := cmd.Context()
	s, err := opts.openSession(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "failed to open queue", err)
	}

	r.RequestID = s.manager.NextRequestID()
	if err := s.manager.Enqueue(ctx, r); err != nil {
		_ = s.Close()
		if queue.IsInvalid(err) {
			return out.Fail(ExitCommandError, CodeInvalid, "invalid request", err)
		}
		return out.Fail(ExitFailure, CodeStore, "enqueue failed", err)
	}
	length := s.manager.Len()

	if err := s.Close(); err != nil {
		return out.Fail(ExitFailure, CodeDurability, "request queued in memory but not persisted", err)
	}

	fp, err := request.Fingerprint(r)
	if err != nil {
		return out.Fail(ExitFailure, CodeInvalid, "fingerprint", err)
	}
	res := EnqueueResult{RequestID: r.RequestID, Command: r.Command, Fingerprint: fp, QueueLength: length}
	return out.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Enqueued #%d %s (queue length %d)\n", res.RequestID, res.Command, res.QueueLength)
		if opts.Verbose {
			fmt.Fprintf(w, "Fingerprint: %s\n", res.Fingerprint)
		}
	})
}

func parseUpdates(flag, src string) ([]request.Update, error) {
	if src == "" {
		return nil, nil
	}
	var us []request.Update
	if err := json.Unmarshal([]byte(src), &us); err != nil {
		return nil, fmt.Errorf("%s: %w", flag, err)
	}
	return us, nil
}
