package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"simrun.engine/internal/core/domain"
)

// LogsAction prints the stored log text, or with --follow streams lines as
// the job produces them.
func LogsAction(ctx context.Context, cmd *cli.Command) error {
	id, err := requireID(cmd)
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	if !cmd.Bool("follow") {
		logs, err := c.Logs(ctx, id)
		if err != nil {
			return err
		}
		if cmd.Bool("json") {
			return printJSON(logs)
		}
		_, err = fmt.Fprint(out, logs.Logs)
		return err
	}

	return c.FollowLogs(ctx, id, func(line domain.LogLine) error {
		if cmd.Bool("json") {
			return printJSON(line)
		}
		if line.Stream == domain.StreamStdout {
			_, err := fmt.Fprintln(out, line.Text)
			return err
		}
		_, err := fmt.Fprintf(out, "[%s] %s\n", line.Stream, line.Text)
		return err
	})
}
