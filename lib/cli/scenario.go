package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/go-nan/go-nan/lib/scenario"
	"github.com/spf13/cobra"
)

func newScenarioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenario FILE",
		Short: "Run a scripted discovery scenario",
		Long: `
Runs a YAML scenario against simulated radios and prints the transcript of
every listener event. Exits non-zero when a step fails.
		`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runScenario(ctx, cmd.OutOrStdout(), args[0])
		},
	}
}

func runScenario(ctx context.Context, out io.Writer, path string) error {
	sc, err := scenario.Load(path)
	if err != nil {
		return err
	}
	res, runErr := scenario.Run(ctx, sc)
	if res != nil {
		printTranscript(out, res)
	}
	return runErr
}

func printTranscript(out io.Writer, res *scenario.Result) {
	title := res.Name
	if title == "" {
		title = "scenario"
	}
	fmt.Fprintln(out, titleStyle.Render(title))
	for _, e := range res.Events {
		where := fmt.Sprintf("%s/%d", e.Device, e.Client)
		if e.Session != 0 {
			where += "/" + itoa(int(e.Session))
		}
		line := fmt.Sprintf("%4d %s %s", e.Seq, labelStyle.Render(where), styleFor(e.Name).Render(e.Name))
		if e.Peer != 0 {
			line += " " + renderField("peer", itoa(int(e.Peer)))
		}
		if e.Detail != "" {
			line += " " + e.Detail
		}
		fmt.Fprintln(out, line)
	}
}
