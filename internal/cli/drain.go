package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mutq/internal/dispatch"
)

// DrainOptions holds flags for the drain command.
type DrainOptions struct {
	*RootOptions
	Endpoint string
	Timeout  time.Duration
	Headers  map[string]string
	Follow   bool

	// Sender overrides the HTTP sender (for testing).
	Sender dispatch.Sender
}

// DrainResult is the output of the drain command.
type DrainResult struct {
	dispatch.Stats
	Remaining int   `json:"remaining"`
	Ongoing   int64 `json:"ongoing,omitempty"`
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Send queued requests one at a time",
		Long: `Send queued requests to <endpoint>/<command>, one at a time, in order.

A 2xx response completes the request and applies its success data. A
permanent rejection (4xx other than 408 and 429) completes it and applies its
failure data. Any other failure returns it to the head of the queue and
stops the drain; with --follow the dispatcher backs off and keeps going
until interrupted.

Examples:
  mutq drain --db ./mutq.db --endpoint https://api.example.com/v1
  mutq drain --db ./mutq.db --follow -H Authorization="Bearer $TOKEN"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "base URL requests are POSTed to (default from config)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-request timeout (default from config)")
	cmd.Flags().StringToStringVarP(&opts.Headers, "header", "H", nil, "extra header (key=value), repeatable")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep dispatching new requests until interrupted")

	return cmd
}

func (o *DrainOptions) sender() (dispatch.Sender, error) {
	if o.Sender != nil {
		return o.Sender, nil
	}
	dc := o.Config.Dispatch
	endpoint := o.Endpoint
	if endpoint == "" {
		endpoint = dc.Endpoint
	}
	if endpoint == "" {
		return nil, errors.New("no endpoint: set --endpoint or dispatch.endpoint")
	}
	timeout := o.Timeout
	if timeout == 0 {
		timeout = dc.Timeout
	}

	httpOpts := []dispatch.HTTPOption{dispatch.WithHTTPClient(&http.Client{Timeout: timeout})}
	for k, v := range dc.Headers {
		httpOpts = append(httpOpts, dispatch.WithHeader(k, v))
	}
	for k, v := range o.Headers {
		httpOpts = append(httpOpts, dispatch.WithHeader(k, v))
	}
	return dispatch.NewHTTPSender(endpoint, httpOpts...)
}

func runDrain(opts *DrainOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	sender, err := opts.sender()
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "invalid dispatch settings", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	s, err := opts.openSession(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "failed to open queue", err)
	}

	d := dispatch.New(s.manager, sender,
		dispatch.WithLogger(opts.Logger),
		dispatch.WithStore(s.store),
		dispatch.WithRetryBackoff(opts.Config.Queue.Backoff))

	var stats dispatch.Stats
	var runErr error
	if opts.Follow {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			select {
			case sig := <-sigChan:
				opts.Logger.Info("received signal, shutting down", "signal", sig)
				cancel()
			case <-ctx.Done():
			}
		}()

		opts.Logger.Info("dispatcher started")
		stats, runErr = d.Run(ctx)
		if errors.Is(runErr, context.Canceled) {
			runErr = nil
		}
		opts.Logger.Info("dispatcher stopped", "sent", stats.Sent, "rejected", stats.Rejected)
	} else {
		stats, runErr = d.Drain(ctx)
	}

	res := DrainResult{Stats: stats, Remaining: s.manager.Len()}
	if r, ok := s.manager.Ongoing(); ok {
		res.Ongoing = r.RequestID
	}
	if err := s.Close(); err != nil {
		return out.Fail(ExitFailure, CodeDurability, "queue state not persisted", err)
	}
	if runErr != nil {
		_ = out.Error(CodeDispatch, "dispatch stopped", map[string]any{
			"error":     runErr.Error(),
			"sent":      res.Sent,
			"rejected":  res.Rejected,
			"remaining": res.Remaining,
		})
		return WrapExitError(ExitFailure, "dispatch stopped", runErr)
	}

	return out.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Sent %d, rejected %d, %d left\n", res.Sent, res.Rejected, res.Remaining)
	})
}
