package process

import (
	"os/exec"

	"github.com/loykin/pgembed/internal/logger"
)

// Spec describes a single executable invocation: the long-running server or a
// one-shot tool such as initdb.
type Spec struct {
	Name string   `json:"name"`
	Path string   `json:"path"`     // absolute path to the binary
	Args []string `json:"args"`     // arguments, never interpreted by a shell
	Dir  string   `json:"work_dir"` // optional working dir
	Env  []string `json:"env"`      // full environment, "K=V"; nil inherits
	Log  logger.Config
}

// BuildCommand constructs the *exec.Cmd for the spec. Binaries are executed
// directly so data directory paths with spaces need no quoting.
func (s *Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- path comes from the extracted installation
	cmd := exec.Command(s.Path, s.Args...)
	if s.Dir != "" {
		cmd.Dir = s.Dir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	return cmd
}
