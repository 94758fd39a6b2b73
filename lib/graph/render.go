package graph

import (
	"sort"
	"strings"

	"weft/lib"
	"weft/lib/defs"
)

// The rendered script is the unit of caching: identical text means identical
// cache entry and a possible skip. Anything that varies per run (task dir,
// output stage path, dependency outputs) is passed via environment at exec
// time and must never appear in the rendered text.

const prologue = `
# data-passing protocol: dependency outputs arrive as ` + lib.InputEnvPrefix + `* vars,
# weft_output stages this task's own output key/value pairs
weft_output() {
	printf '%s\t%s\n' "$1" "$2" >> "${` + lib.OutputStageEnv + `}"
}
`

const epilogue = `
# staged outputs are serialized to the output artifact by weft
true
`

// renderScript produces the full executable text for one resolved task:
// safety header, static exports, prologue, body, epilogue.
func renderScript(def defs.TaskDefinition, env map[string]string, params map[string]string) string {
	var b strings.Builder

	b.WriteString(lib.StdBashHeader())
	b.WriteString(prologue)

	if len(env) > 0 {
		b.WriteString("\n# task env\n")
		for _, k := range sortedKeys(env) {
			b.WriteString("export " + k + "=" + shellQuote(env[k]) + "\n")
		}
	}
	if len(params) > 0 {
		b.WriteString("\n# resolved params\n")
		for _, k := range sortedKeys(params) {
			b.WriteString("export " + k + "=" + shellQuote(params[k]) + "\n")
		}
	}

	b.WriteString("\n# --- task script ---\n")
	b.WriteString(def.Script)
	if !strings.HasSuffix(def.Script, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("# --- end task script ---\n")
	b.WriteString(epilogue)

	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// shellQuote single-quotes a value for bash, escaping embedded single quotes.
func shellQuote(val string) string {
	return "'" + strings.ReplaceAll(val, "'", `'\''`) + "'"
}
