package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/weibaohui/fitnessgpt/backend/internal/eventbus"
	"github.com/weibaohui/fitnessgpt/backend/internal/model"
	"github.com/weibaohui/fitnessgpt/backend/internal/pkg/render"
	"github.com/weibaohui/fitnessgpt/backend/internal/service"
	"github.com/weibaohui/fitnessgpt/backend/internal/service/orchestrator"
)

// foregroundQueue 前台执行时只记录入队，由命令自身调用 ExecuteRun
type foregroundQueue struct {
	jobs []*orchestrator.Job
}

func (q *foregroundQueue) EnqueueJob(job *orchestrator.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *foregroundQueue) CancelRun(runID string) bool { return false }

func newPlanCmd(v *viper.Viper) *cobra.Command {
	var (
		profileFile string
		outFile     string
		htmlFile    string
		resumeID    string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Generate a plan in the foreground",
		Long: `Generate a plan from the stored profile and stream it to the terminal.
Press Ctrl-C to stop; a stopped or failed run continues from the same stage
with --resume <run id>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			if profileFile != "" {
				values, err := readProfileFile(profileFile)
				if err != nil {
					return err
				}
				if err := a.profiles.Save(ctx, values); err != nil {
					return err
				}
			}

			a.plans.SetQueue(&foregroundQueue{})
			var run *model.PlanRun
			if resumeID != "" {
				run, err = a.plans.Resume(ctx, resumeID)
			} else {
				run, err = a.plans.Start(ctx)
			}
			if err != nil {
				return err
			}

			if err := streamRun(ctx, cmd, v, a, run); err != nil {
				return err
			}
			return writeExports(ctx, cmd, a.plans, run.ID, outFile, htmlFile)
		},
	}

	cmd.Flags().StringVar(&profileFile, "profile", "", "import answers from a YAML file before generating")
	cmd.Flags().StringVar(&outFile, "out", "", "write the finished plan as plain text")
	cmd.Flags().StringVar(&htmlFile, "html", "", "write the finished plan as an HTML page")
	cmd.Flags().StringVar(&resumeID, "resume", "", "continue a failed or canceled run")
	return cmd
}

// streamRun 在前台执行运行，渲染单元实时输出到终端
func streamRun(ctx context.Context, cmd *cobra.Command, v *viper.Viper, a *app, run *model.PlanRun) error {
	out := cmd.OutOrStdout()
	term, err := render.NewTerminal(out, v.GetString("style"), v.GetInt("width"))
	if err != nil {
		return err
	}
	surface := render.NewSurface()
	renderer := render.Tee(term, surface)

	if run.Content != "" {
		if err := renderer.Render(ctx, run.Content); err != nil {
			return err
		}
	}

	unsubscribe := a.plans.Subscribe(run.ID, func(ctx context.Context, event eventbus.PlanEvent) error {
		switch event.Type {
		case eventbus.PlanEventStageStarted:
			fmt.Fprintf(cmd.ErrOrStderr(), "[%d/%d] %s\n", event.Calls+1, event.Total, event.Stage)
		case eventbus.PlanEventUnitRendered:
			return renderer.Render(ctx, event.Unit)
		}
		return nil
	})
	defer unsubscribe()

	if err := a.plans.ExecuteRun(ctx, run.ID); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("plan interrupted, continue with: fitplan plan --resume %s", run.ID)
		}
		return fmt.Errorf("plan stopped: %w (continue with: fitplan plan --resume %s)", err, run.ID)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "plan %s completed (%d sections)\n", run.ID, surface.Units())
	return nil
}

func writeExports(ctx context.Context, cmd *cobra.Command, plans *service.PlanService, runID, outFile, htmlFile string) error {
	targets := []struct {
		path   string
		format service.ExportFormat
	}{
		{outFile, service.ExportText},
		{htmlFile, service.ExportHTML},
	}
	for _, t := range targets {
		if t.path == "" {
			continue
		}
		file, err := plans.Export(ctx, runID, t.format)
		if err != nil {
			return err
		}
		if err := os.WriteFile(t.path, file.Data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", t.path, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", t.path)
	}
	return nil
}

func newRunsCmd(v *viper.Viper) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent plan runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.plans.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTAGE\tCALLS\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n", r.ID, r.Status, r.Cursor().Label(), r.Calls, r.TotalCalls, r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs to show")
	return cmd
}
