// Package commands implements the simctl subcommands.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"simrun.engine/internal/client"
	"simrun.engine/internal/core/domain"
)

// out is where command output goes; swapped in tests.
var out io.Writer = os.Stdout

func newClient(cmd *cli.Command) (*client.Client, error) {
	return client.New(cmd.String("server"), cmd.Duration("request-timeout"))
}

func requireID(cmd *cli.Command) (string, error) {
	id := cmd.Args().First()
	if id == "" {
		return "", fmt.Errorf("%s: job id argument is required", cmd.Name)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseAssignments turns name=value flags into ordered params. Values that
// parse as JSON numbers, booleans or strings keep that type; anything else is
// a plain string.
func parseAssignments(values []string) (domain.Params, error) {
	params := make(domain.Params, 0, len(values))
	for _, raw := range values {
		name, value, ok := strings.Cut(raw, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected name=value", raw)
		}
		params = append(params, domain.Param{Name: name, Value: parseValue(strings.TrimSpace(value))})
	}
	return params, nil
}

func parseValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func parseMetadata(values []string) (domain.Metadata, error) {
	if len(values) == 0 {
		return nil, nil
	}
	params, err := parseAssignments(values)
	if err != nil {
		return nil, err
	}
	meta := make(domain.Metadata, len(params))
	for _, p := range params {
		meta[p.Name] = p.Value
	}
	return meta, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatRuntime(secs *float64) string {
	if secs == nil {
		return "-"
	}
	return (time.Duration(*secs * float64(time.Second))).Round(time.Millisecond).String()
}

func sortedStatuses(counts map[domain.JobStatus]int64) []domain.JobStatus {
	statuses := make([]domain.JobStatus, 0, len(counts))
	for _, s := range domain.AllStatuses {
		if _, ok := counts[s]; ok {
			statuses = append(statuses, s)
		}
	}
	// Unknown statuses from a newer server go last.
	var extra []domain.JobStatus
	for s := range counts {
		if !s.Valid() {
			extra = append(extra, s)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(statuses, extra...)
}
