package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"weft/lib"
	"weft/lib/defs"
)

type Command string

const (
	RunCommand   Command = "run"
	StatsCommand Command = "stats"
	CleanCommand Command = "clean"
)

// TaskerArgs is the parsed CLI boundary: requested task names, global
// options and per-task parameter overrides.
type TaskerArgs struct {
	Command Command
	// ex. ["build", "test:unit"]
	Tasks []defs.TaskId
	// ex. {"profile": "release"} from "profile=release"
	Overrides map[string]string
	// leftover bare words, bound to positional params in declared order
	Positionals []string
	// normal-pool size, 0 means "use config"
	Parallelism int
	// config file path
	ConfigPath string
	// clean threshold
	OlderThan time.Duration
	// ex. "weft build profile=release -j 4"
	AsRawString string
}

// ParseTaskerArgs parses the argv tail. Bad input is fatal: there is nothing
// sensible to do without a valid invocation.
func ParseTaskerArgs(ctxLogger *log.Entry, cliArgs []string) TaskerArgs {
	if len(cliArgs) == 0 {
		ctxLogger.Fatal("no args passed to weft, expected at least one task name")
	}
	ctxLogger.Debug("weft args: ", cliArgs)

	args := TaskerArgs{
		Command:     RunCommand,
		Overrides:   map[string]string{},
		ConfigPath:  lib.ConfigFile,
		AsRawString: strings.Join(os.Args, " "),
	}

	rest := cliArgs
	switch cliArgs[0] {
	case string(StatsCommand):
		args.Command = StatsCommand
		rest = cliArgs[1:]
	case string(CleanCommand):
		args.Command = CleanCommand
		rest = cliArgs[1:]
	}

	for i := 0; i < len(rest); i++ {
		arg := rest[i]
		switch {
		case arg == "-j" || arg == "--jobs":
			i++
			if i >= len(rest) {
				ctxLogger.Fatal(arg, " needs a value")
			}
			n, err := strconv.Atoi(rest[i])
			if err != nil || n < 1 {
				ctxLogger.Fatal("invalid parallelism: ", rest[i])
			}
			args.Parallelism = n
		case arg == "--config":
			i++
			if i >= len(rest) {
				ctxLogger.Fatal("--config needs a value")
			}
			args.ConfigPath = rest[i]
		case arg == "--older-than":
			i++
			if i >= len(rest) {
				ctxLogger.Fatal("--older-than needs a value, ex. 720h")
			}
			d, err := time.ParseDuration(rest[i])
			if err != nil || d <= 0 {
				ctxLogger.Fatal("invalid --older-than duration: ", rest[i])
			}
			args.OlderThan = d
		case strings.HasPrefix(arg, "--"):
			ctxLogger.Fatal("unknown option: ", arg)
		case strings.Contains(arg, "="):
			key, val, _ := strings.Cut(arg, "=")
			if key == "" {
				ctxLogger.Fatal("malformed override: ", arg)
			}
			args.Overrides[key] = val
		default:
			// Bare words are task names until proven otherwise; once the
			// config is loaded, SplitTasksAndPositionals reclassifies the
			// ones that name no task as positional parameter values.
			args.Tasks = append(args.Tasks, defs.TaskId(arg))
		}
	}

	if args.Command == RunCommand && len(args.Tasks) == 0 {
		ctxLogger.Fatal("no task names given")
	}
	if args.Command == CleanCommand && args.OlderThan == 0 {
		ctxLogger.Fatal("clean requires --older-than")
	}
	return args
}

// SplitTasksAndPositionals separates requested names from positional values
// once the known task set is available.
func (args *TaskerArgs) SplitTasksAndPositionals(known func(defs.TaskId) bool) {
	var tasks []defs.TaskId
	for _, t := range args.Tasks {
		if known(t) {
			tasks = append(tasks, t)
			continue
		}
		args.Positionals = append(args.Positionals, string(t))
	}
	args.Tasks = tasks
}
