package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"simrun.engine/internal/client"
	"simrun.engine/internal/core/domain"
)

func GetAction(ctx context.Context, cmd *cli.Command) error {
	id, err := requireID(cmd)
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	job, err := c.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return printJSON(job)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append("ID", job.ID)
	table.Append("Status", string(job.Status))
	table.Append("Workload", job.Workload)
	table.Append("Image", job.Image)
	table.Append("Params", formatParams(job.Params))
	if job.SweepID != nil {
		table.Append("Sweep", fmt.Sprintf("%s #%d", *job.SweepID, derefInt(job.SweepIndex)))
	}
	table.Append("Created", formatTime(&job.CreatedAt))
	table.Append("Started", formatTime(job.StartedAt))
	table.Append("Finished", formatTime(job.FinishedAt))
	table.Append("Runtime", formatRuntime(job.RuntimeSeconds))
	if job.ExitCode != nil {
		table.Append("Exit code", fmt.Sprintf("%d", *job.ExitCode))
	}
	if job.Error != "" {
		table.Append("Error", job.Error)
	}
	if job.CancelRequested && !job.Status.IsTerminal() {
		table.Append("Cancel", "requested")
	}
	return table.Render()
}

func ListAction(ctx context.Context, cmd *cli.Command) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	list, err := c.ListJobs(ctx, client.ListOptions{
		Page:      cmd.Int("page"),
		Size:      cmd.Int("size"),
		Status:    cmd.String("status"),
		CreatedBy: cmd.String("created-by"),
		SweepID:   cmd.String("sweep"),
	})
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return printJSON(list)
	}

	table := tablewriter.NewWriter(out)
	table.Header("ID", "Status", "Created", "Runtime", "Error")
	for _, job := range list.Jobs {
		table.Append(job.ID, string(job.Status), formatTime(&job.CreatedAt), formatRuntime(job.RuntimeSeconds), truncate(job.Error, 60))
	}
	if err := table.Render(); err != nil {
		return err
	}
	more := ""
	if list.HasNext {
		more = fmt.Sprintf(", next: --page %d", list.Page+1)
	}
	fmt.Fprintf(out, "page %d, %d of %d jobs%s\n", list.Page, len(list.Jobs), list.Total, more)
	return nil
}

func StatsAction(ctx context.Context, cmd *cli.Command) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return printJSON(stats)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Metric", "Value")
	table.Append("Total jobs", fmt.Sprintf("%d", stats.Total))
	for _, status := range sortedStatuses(stats.ByStatus) {
		table.Append("  "+string(status), fmt.Sprintf("%d", stats.ByStatus[status]))
	}
	table.Append("Success rate", fmt.Sprintf("%.1f%%", stats.SuccessRate*100))
	table.Append("Avg runtime", formatRuntime(stats.AvgRuntimeSeconds))
	return table.Render()
}

func CancelAction(ctx context.Context, cmd *cli.Command) error {
	id, err := requireID(cmd)
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	res, err := c.Cancel(ctx, id)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Job != nil {
			return cli.Exit(fmt.Sprintf("job %s already %s", id, apiErr.Job.Status), 1)
		}
		return err
	}
	if cmd.Bool("json") {
		return printJSON(res)
	}
	fmt.Fprintf(out, "%s: %s (status %s)\n", id, res.Message, res.Job.Status)
	return nil
}

func ResultAction(ctx context.Context, cmd *cli.Command) error {
	id, err := requireID(cmd)
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	path := cmd.String("output")
	if path == "" {
		path = id + ".tar.gz"
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := c.DownloadResult(ctx, id, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	fmt.Fprintf(out, "wrote %s (%d bytes)\n", path, n)
	return nil
}

func WaitAction(ctx context.Context, cmd *cli.Command) error {
	id, err := requireID(cmd)
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if d := cmd.Duration("timeout"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var last domain.JobStatus
	job, err := c.Wait(ctx, id, cmd.Duration("interval"), func(j *client.Job) {
		if j.Status != last {
			fmt.Fprintf(out, "%s: %s\n", id, j.Status)
			last = j.Status
		}
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return cli.Exit(fmt.Sprintf("job %s did not finish within %s", id, cmd.Duration("timeout")), 2)
		}
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", id, job.Status)
	if job.Status != domain.JobStatusSuccess {
		return cli.Exit(strings.TrimSpace(fmt.Sprintf("job %s %s %s", id, job.Status, job.Error)), 1)
	}
	return nil
}

func SweepStatusAction(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("sweep-status: sweep id argument is required")
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	sweep, err := c.GetSweep(ctx, id)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return printJSON(sweep)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Status", "Jobs")
	for _, status := range sortedStatuses(sweep.Counts) {
		table.Append(string(status), fmt.Sprintf("%d", sweep.Counts[status]))
	}
	if err := table.Render(); err != nil {
		return err
	}
	state := "in progress"
	if sweep.Complete {
		state = "complete"
	}
	fmt.Fprintf(out, "sweep %s: %d jobs, %s\n", sweep.ID, len(sweep.JobIDs), state)
	return nil
}

func formatParams(params domain.Params) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, p.Name+"="+domain.FormatValue(p.Value))
	}
	return strings.Join(parts, " ")
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
