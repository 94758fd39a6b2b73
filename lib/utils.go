package lib

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/alexflint/go-filemutex"
	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// We must always start and end with the more fine grained mutex:
// - Lock process wide mutex first
// - Unlock process wide mutex last
// This is because the systemWideMutex has hard to reason about semantics.
// It is based on flock which does all kinds of "weird" things from a high level perspective.
// For example the same process can lock the same file twice.
// Flock will just allow it silently and change the lock if needed and invalidates the old lock(?).
// Either way better to just not depend on those complicated semantics.
type MasterMutex struct {
	processWideMutex *sync.Mutex
	systemWideMutex  *filemutex.FileMutex
}

func NewMasterMutex(path string) (*MasterMutex, error) {
	processWideMutex := &sync.Mutex{}
	systemWideMutex, err := filemutex.New(path)
	if err != nil {
		return nil, fmt.Errorf("filemutex.New: %w", err)
	}
	return &MasterMutex{
		processWideMutex: processWideMutex,
		systemWideMutex:  systemWideMutex,
	}, nil
}

func (mm *MasterMutex) lock() error {
	mm.processWideMutex.Lock()
	err := mm.systemWideMutex.Lock()
	if err != nil {
		mm.processWideMutex.Unlock()
		return fmt.Errorf("outerProcessMutex.Lock: %w", err)
	}
	return nil
}

func (mm *MasterMutex) unlock() error {
	err := mm.systemWideMutex.Unlock()
	if err != nil {
		return fmt.Errorf("outerProcessMutex.Unlock: %w", err)
	}
	mm.processWideMutex.Unlock()
	return nil
}

// LockFile locks a file for exclusive access
// lock: r/w
func LockFile(path string) (*MasterMutex, error) {
	mm, err := NewMasterMutex(path)
	if err != nil {
		return nil, fmt.Errorf("NewMasterMutex: %w", err)
	}
	return mm, mm.lock()
}

// UnlockFile unlocks a file from exclusive access
// lock: r/w
func UnlockFile(mm *MasterMutex) error {
	return mm.unlock()
}

// HashContent returns the hex blake3 digest of content.
// This is the content hash used for script cache identity and skip detection.
func HashContent(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ShortHash returns a truncated content hash, enough for directory naming.
func ShortHash(content []byte) string {
	return HashContent(content)[:12]
}

// InitPath creates a directory (and parents) if it does not exist already
func InitPath(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Debug("mkdir ", path)
		err := os.MkdirAll(path, 0755)
		if err != nil {
			return err
		}
	}
	return nil
}

// InitFile creates a file if it does not exist already
func InitFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Debug("touch ", path)
		err := os.WriteFile(path, []byte(""), 0644)
		if err != nil {
			return err
		}
	}
	return nil
}

// IgnoreMatcher compiles the .gitignore at the given root, if present.
// A nil matcher means nothing is ignored.
func IgnoreMatcher(root string) *ignore.GitIgnore {
	ignoreFile := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(ignoreFile); os.IsNotExist(err) {
		return nil
	}
	matcher, err := ignore.CompileIgnoreFile(ignoreFile)
	if err != nil {
		log.Warnf("ignore.CompileIgnoreFile: %v", err)
		return nil
	}
	return matcher
}

// FindFiles returns a list of files under searchRoot that match the given pattern,
// except files ignored by the root .gitignore (when a matcher is given).
func FindFiles(ctxLogger *log.Entry, searchRoot string, pattern string, ignoreMatcher *ignore.GitIgnore) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("regexp.Compile: %w", err)
	}

	var files []string
	err = filepath.WalkDir(searchRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		// We just care about not walking subdirs that are ignored
		if entry.IsDir() {
			if ignoreMatcher != nil && ignoreMatcher.MatchesPath(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignoreMatcher != nil && ignoreMatcher.MatchesPath(path) {
			return nil
		}

		if re.MatchString(path) {
			files = append(files, path)
		}
		return nil
	})

	return files, err
}

type ScriptHeaderSection struct {
	Creator string // who produced this section, ex. a task name or "weft"
	Content string // a bash fragment
}

func NewScriptHeaderSection(creator string, content string) ScriptHeaderSection {
	return ScriptHeaderSection{
		Creator: creator,
		Content: content,
	}
}

func (sh ScriptHeaderSection) ToRawScript() string {
	return "# creator: " + sh.Creator + "\n" + sh.Content + "\n"
}

var stdBashEnv = NewScriptHeaderSection(
	"weft",
	"set -Eeuo pipefail",
)

func StdBashHeader() string {
	return stdBashEnv.ToRawScript()
}
