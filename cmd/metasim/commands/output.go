package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/metasim/metasim/pkg/engine"
)

// printStructured writes v as JSON or YAML. Values are routed through their JSON
// encoding so that cells and results keep one representation in both formats.
func printStructured(w io.Writer, format string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	switch format {
	case "json":
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	case "yaml":
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// printResults writes one block per output, sorted by output id.
func printResults(w io.Writer, format string, results map[string]engine.Value) error {
	if format != "text" {
		return printStructured(w, format, results)
	}

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		v := results[id]
		if v.Kind == engine.ValueScalar {
			fmt.Fprintf(w, "%s = %s\n", id, engine.Num(v.Scalar).String())
			continue
		}
		rows, cols := 0, 0
		if v.Table != nil {
			rows, cols = v.Table.Dims()
		}
		fmt.Fprintf(w, "%s (%dx%d):\n", id, rows, cols)
		if v.Table == nil {
			continue
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
		for _, row := range v.Table.Rows {
			cells := make([]string, len(row))
			for i, c := range row {
				cells[i] = c.String()
			}
			fmt.Fprintf(tw, "\t%s\t\n", strings.Join(cells, "\t"))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// printExperiments writes a history listing.
func printExperiments(w io.Writer, format string, records []*engine.ExperimentRecord) error {
	if format != "text" {
		return printStructured(w, format, records)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tBACKEND\tRUNS\tSTARTED\tDURATION")
	for _, r := range records {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Name, r.Status, r.Backend, r.NbInputs*r.NbReplicates,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), duration)
	}
	return tw.Flush()
}
