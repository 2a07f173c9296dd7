// Command mutq operates a durable write-mutation queue.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/mutq/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "mutq:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
