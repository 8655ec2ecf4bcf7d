package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/core/services"
)

// SubmitAction submits one job built from --param flags, or the request in
// --file when given.
func SubmitAction(ctx context.Context, cmd *cli.Command) error {
	req, err := baseRequest(cmd)
	if err != nil {
		return err
	}
	if req.Params == nil {
		params, err := parseAssignments(cmd.StringSlice("param"))
		if err != nil {
			return err
		}
		req.Params = params
	}
	return submit(ctx, cmd, req)
}

// SweepAction submits the cartesian product of every --vary list. --param
// values become defaults shared by all members.
func SweepAction(ctx context.Context, cmd *cli.Command) error {
	req, err := baseRequest(cmd)
	if err != nil {
		return err
	}
	if req.Sweep == nil {
		axes, err := parseAxes(cmd.StringSlice("vary"))
		if err != nil {
			return err
		}
		if len(axes) == 0 {
			return fmt.Errorf("sweep: at least one --vary name=v1,v2,... is required")
		}
		req.Sweep = expand(axes)

		defaults, err := parseAssignments(cmd.StringSlice("param"))
		if err != nil {
			return err
		}
		req.Defaults = defaults
	}
	return submit(ctx, cmd, req)
}

func baseRequest(cmd *cli.Command) (*services.SubmitRequest, error) {
	req := &services.SubmitRequest{}
	if path := cmd.String("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read request file: %w", err)
		}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, fmt.Errorf("parse request file: %w", err)
		}
	}

	if v := cmd.String("workload"); v != "" {
		req.Workload = v
	}
	if v := cmd.String("image"); v != "" {
		req.Image = v
	}
	if v := cmd.Int("timeout-seconds"); v > 0 {
		req.TimeoutSeconds = v
	}
	if v := cmd.String("created-by"); v != "" {
		req.CreatedBy = v
	}
	meta, err := parseMetadata(cmd.StringSlice("meta"))
	if err != nil {
		return nil, err
	}
	if meta != nil {
		if req.Metadata == nil {
			req.Metadata = domain.Metadata{}
		}
		for k, v := range meta {
			req.Metadata[k] = v
		}
	}
	return req, nil
}

func submit(ctx context.Context, cmd *cli.Command, req *services.SubmitRequest) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	res, err := c.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	if cmd.Bool("json") {
		return printJSON(res)
	}
	if res.SweepID != "" {
		fmt.Fprintf(out, "Sweep %s: %d jobs\n", res.SweepID, len(res.JobIDs))
	}
	for i, id := range res.JobIDs {
		if res.SweepMapping != nil {
			fmt.Fprintf(out, "%d\t%s\n", i, id)
		} else {
			fmt.Fprintln(out, id)
		}
	}

	if !cmd.Bool("wait") {
		return nil
	}
	failed := 0
	for _, id := range res.JobIDs {
		job, err := c.Wait(ctx, id, 2*time.Second, nil)
		if err != nil {
			return fmt.Errorf("wait for %s: %w", id, err)
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", id, job.Status, job.Error)
		if job.Status != domain.JobStatusSuccess {
			failed++
		}
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d jobs did not succeed", failed, len(res.JobIDs)), 1)
	}
	return nil
}

type axis struct {
	name   string
	values []any
}

func parseAxes(flags []string) ([]axis, error) {
	axes := make([]axis, 0, len(flags))
	for _, raw := range flags {
		name, list, ok := strings.Cut(raw, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.TrimSpace(list) == "" {
			return nil, fmt.Errorf("invalid --vary %q, expected name=v1,v2,...", raw)
		}
		a := axis{name: name}
		for _, v := range strings.Split(list, ",") {
			a.values = append(a.values, parseValue(strings.TrimSpace(v)))
		}
		axes = append(axes, a)
	}
	return axes, nil
}

// expand returns every combination, the last axis varying fastest.
func expand(axes []axis) []domain.Params {
	sets := []domain.Params{{}}
	for _, a := range axes {
		next := make([]domain.Params, 0, len(sets)*len(a.values))
		for _, set := range sets {
			for _, v := range a.values {
				member := append(append(domain.Params{}, set...), domain.Param{Name: a.name, Value: v})
				next = append(next, member)
			}
		}
		sets = next
	}
	return sets
}
