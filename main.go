package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"weft/lib/defs"
	"weft/lib/graph"
	"weft/lib/state"
	"weft/lib/tasker"
	"weft/lib/tasker/common"
	"weft/lib/tasker/scheduler"
	"weft/lib/workspace"
)

func main() {
	log.SetLevel(log.InfoLevel)
	log.SetFormatter(&log.TextFormatter{
		ForceColors:   true,
		PadLevelText:  true,
		FullTimestamp: false,
	})
	ctxLogger := log.WithField("bin", os.Args[0])

	args := common.ParseTaskerArgs(ctxLogger, os.Args[1:])

	cfg, err := defs.InitConfig(ctxLogger, args.ConfigPath)
	if err != nil {
		ctxLogger.Fatal(err)
	}

	root := cfg.Settings.WorkspaceRoot
	if root == "" {
		root = workspace.DefaultRoot()
	}
	ws, err := workspace.NewWorkspace(ctxLogger, root, cfg.ProjectId())
	if err != nil {
		ctxLogger.Fatal(err)
	}
	store, err := state.Open(context.Background(), ws.StateDBPath())
	if err != nil {
		ctxLogger.Fatal(err)
	}
	defer store.Close()

	ctx := common.NewContext(ctxLogger, cfg, ws, store)

	switch args.Command {
	case common.StatsCommand:
		runStats(&ctx, args)
	case common.CleanCommand:
		runClean(&ctx, args)
	default:
		runTasks(&ctx, args)
	}
}

func runTasks(ctx *common.Context, args common.TaskerArgs) {
	// Bare words that name no task are positional parameter values.
	args.SplitTasksAndPositionals(func(id defs.TaskId) bool {
		return ctx.Config.ContainsTask(id) || (id.IsSubtask() && ctx.Config.ContainsTask(id.ParentName()))
	})
	if len(args.Tasks) == 0 {
		ctx.Logger.Fatal("no known task names given")
	}

	g, err := graph.Build(ctx.Logger, ctx.Config, args.Tasks, args.Overrides, args.Positionals)
	if err != nil {
		ctx.Logger.Fatal(err)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := tasker.NewRunner(ctx, g, args.Parallelism)
	runner.Subscribe(func(ev tasker.Event) {
		if ev.Kind == tasker.EventStatus && ev.State == scheduler.Running {
			ctx.Logger.WithField("task", string(ev.Task)).Debug("running")
		}
	})

	// Will block until all tasks are done or the run is interrupted
	result, err := runner.Start(runCtx, ctx)
	if err != nil {
		ctx.Logger.Fatal(err)
	}

	fmt.Println(buildReport(result))
	if result.Failed() || runCtx.Err() != nil {
		os.Exit(1)
	}
}

func runStats(ctx *common.Context, args common.TaskerArgs) {
	filter := state.StatsFilter{Project: ctx.ProjectId()}
	if len(args.Tasks) > 0 {
		filter.Task = args.Tasks[0]
	}
	stats, err := ctx.Store.QueryStats(context.Background(), filter)
	if err != nil {
		ctx.Logger.Fatal(err)
	}
	if len(stats) == 0 {
		fmt.Println("no history for this project yet")
		return
	}
	fmt.Printf("%-30s %6s %6s %6s %6s %10s\n", "Task", "Runs", "OK", "Fail", "Skip", "Avg")
	for _, st := range stats {
		fmt.Printf("%-30s %6d %6d %6d %6d %9dms\n",
			string(st.Task), st.Runs, st.Completed, st.Failed, st.Skipped, st.AvgMillis)
	}
}

func runClean(ctx *common.Context, args common.TaskerArgs) {
	removed, err := ctx.Store.Cleanup(context.Background(), ctx.Logger, ctx.ProjectId(), args.OlderThan)
	if err != nil {
		ctx.Logger.Fatal(err)
	}
	fmt.Println("removed", removed, "runs")
}

//
// Report
//

func longestNonTaskCellElement(result tasker.RunnerRunResult) string {
	longestCellElement := strconv.FormatInt(result.Taken(), 10)
	if len(longestCellElement) < len("Taken") {
		longestCellElement = "Taken"
	}
	return longestCellElement
}

func longestTaskCellElement(result tasker.RunnerRunResult) string {
	longestCellElement := ""
	for _, taskResult := range result.TaskRunResults {
		if len(taskResult.TaskId) > len(longestCellElement) {
			longestCellElement = string(taskResult.TaskId)
		}
	}
	return longestCellElement
}

func buildReportHeader(nonTaskCellPadding string, taskCellPadding string) string {
	header := "| ⏵ "
	header += fmt.Sprintf("|%"+nonTaskCellPadding+"s", "Start")
	header += fmt.Sprintf("|%"+nonTaskCellPadding+"s", "End")
	header += fmt.Sprintf("|%"+nonTaskCellPadding+"s", "Taken")
	header += fmt.Sprintf("| %-"+taskCellPadding+"s|", "Task")
	return header
}

func buildReportSeparator(header string) string {
	separator := ""
	for i := 0; i < len(header); i++ {
		separator += "-"
	}
	return separator
}

func buildReport(result tasker.RunnerRunResult) string {
	report := ""

	longestNonTaskCellElement := longestNonTaskCellElement(result)
	nonTaskCellPadding := strconv.Itoa(len(longestNonTaskCellElement) + 2) // +2 for ms postfix
	longestTaskCellElement := longestTaskCellElement(result)
	taskCellPadding := strconv.Itoa(len(longestTaskCellElement))

	header := buildReportHeader(nonTaskCellPadding, taskCellPadding)
	separator := buildReportSeparator(header)

	report += separator + "\n"
	report += header + "\n"
	report += separator

	for _, taskResult := range result.TaskRunResults {
		report += "\n"

		switch taskResult.Result {
		case tasker.Success:
			report += "| " + color.GreenString("%s", "✓") + " "
		case tasker.Failure:
			report += "| " + color.RedString("%s", "✗") + " "
		case tasker.Blocked:
			report += "| " + color.YellowString("%s", "⚠") + " "
		case tasker.Cached:
			report += "| " + color.BlueString("%s", "♺") + " "
		default:
			log.Fatal("Unknown task result")
		}

		report += fmt.Sprintf("|%"+nonTaskCellPadding+"s",
			taskResult.StartTimeSinceRunBegin(result),
		)
		report += fmt.Sprintf("|%"+nonTaskCellPadding+"s",
			taskResult.EndTimeSinceRunBegin(result),
		)
		report += fmt.Sprintf("|%"+nonTaskCellPadding+"s",
			taskResult.Taken(),
		)
		report += fmt.Sprintf("| %-"+taskCellPadding+"s|", string(taskResult.TaskId))
	}

	report += "\n" + separator

	return report
}
