package main

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"weft/lib"
)

// outset stages output key/value pairs from inside a running task script.
// It is the compiled sibling of the weft_output shell function: same staging
// file, same format, but safe to call concurrently from subshells because it
// appends under the file lock.
//
//	outset built_at "$(date -u +%FT%T)" artifact "dist/app.tar.gz"
func main() {
	log.SetLevel(log.InfoLevel)
	log.SetFormatter(&log.TextFormatter{
		ForceColors:   true,
		PadLevelText:  true,
		FullTimestamp: false,
	})

	stagePath := os.Getenv(lib.OutputStageEnv)
	taskId := os.Getenv(lib.CurrTaskEnv)
	args := os.Args[1:]
	validateInput(args, stagePath)
	ctxLog := log.WithFields(
		log.Fields{
			"task": taskId,
			"bin":  os.Args[0],
		},
	)

	mm, err := lib.LockFile(stagePath + ".lock")
	if err != nil {
		ctxLog.Fatal("failed to lock output stage: ", err)
	}
	defer lib.UnlockFile(mm)

	stage, err := os.OpenFile(stagePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		ctxLog.Fatal(err)
	}
	defer stage.Close()

	for i := 0; i < len(args); i += 2 {
		key := args[i]
		val := args[i+1]
		if strings.ContainsAny(key, "\t\n") {
			ctxLog.Fatal("output key may not contain tabs or newlines: ", key)
		}
		if strings.ContainsAny(val, "\t\n") {
			ctxLog.Fatal("output value may not contain tabs or newlines: ", val)
		}
		if _, err := stage.WriteString(key + "\t" + val + "\n"); err != nil {
			ctxLog.Fatal(err)
		}
		ctxLog.Info("staged ", key, "=", val)
	}
}

func validateInput(args []string, stagePath string) {
	if stagePath == "" {
		log.Fatal("no output stage env var set, should always be set by weft!")
	}
	if len(args) < 2 || len(args)%2 != 0 {
		log.Fatal("incorrect arguments to outset! Should have 2+ and an even number of arguments")
	}
}
