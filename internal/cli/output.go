package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ignatij/gobuild/pkg/graph"
	"github.com/ignatij/gobuild/pkg/models"
)

func printRun(w io.Writer, run *models.Run) {
	fmt.Fprintf(w, "Run %s %s (%d tasks", run.ID, run.Status, len(run.Tasks))
	if d := run.Duration(); d > 0 {
		fmt.Fprintf(w, ", %s", d.Round(time.Millisecond))
	}
	fmt.Fprintln(w, ")")

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tDURATION\tDETAIL")
	for _, res := range run.Results {
		detail := res.Reason
		if res.ErrorMsg != "" {
			detail = res.ErrorMsg
		}
		duration := "-"
		if res.Invoked {
			duration = res.Duration().Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.Task, res.Status, duration, firstLine(detail))
	}
	tw.Flush()
}

func printHistory(w io.Writer, runs []models.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTARTED\tDURATION\tTARGETS")
	for _, run := range runs {
		duration := "-"
		if run.FinishedAt != nil {
			duration = run.Duration().Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Status, run.StartedAt.Format(time.RFC3339), duration, strings.Join(run.Targets, ","))
	}
	tw.Flush()
}

func printTasks(w io.Writer, g *graph.Graph) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tTASK\tTRANSFORM\tDEPS\tINPUTS\tOUTPUT")
	batch := 0
	for names := range g.TopologicalBatches(graph.NewSet(g.Names()...)) {
		batch++
		for _, name := range names {
			task, _ := g.Task(name)
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", batch, task.Name, task.TransformName,
				orDash(strings.Join(task.Deps, ",")), orDash(strings.Join(task.Inputs, ",")), task.Output)
		}
	}
	tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
