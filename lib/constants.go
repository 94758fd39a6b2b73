package lib

// fs constants
const CacheDir = ".cache"
const TasksDir = "tasks"
const StateDBFile = "state.db"
const WorkspaceLockFile = ".lock"
const ConfigFile = "weft.yaml"

// per-task artifact names
const ScriptLink = "script"
const StdoutLog = "stdout.log"
const StderrLog = "stderr.log"
const OutputPrefix = "output."
const InputPrefix = "input."
const ArtifactExt = ".json"
const OutputStageFile = ".outputs"

// task naming
const SubtaskSep = ":"

// bash variables set for every task process
const TaskDirEnv = "WEFT_TASK_DIR"
const OutputStageEnv = "WEFT_OUTPUT_STAGE"
const CurrTaskEnv = "WEFT_TASK"
const CurrProjectEnv = "WEFT_PROJECT"
const RunDirEnv = "WEFT_RUN_DIR"
const InputEnvPrefix = "WEFT_IN_"
