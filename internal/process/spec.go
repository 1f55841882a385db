package process

import (
	"errors"
	"os/exec"
	"strings"
)

// Spec describes one worker launch.
type Spec struct {
	ID          string   `json:"id"`
	Script      string   `json:"script"`      // path of the worker's executable file
	Interpreter []string `json:"interpreter"` // e.g. ["python3", "-u"]; empty runs Script directly
	WorkDir     string   `json:"work_dir"`
	Env         []string `json:"env"` // appended to the supervisor's environment
}

// Validate checks the fields Spawn relies on.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("spec: empty id")
	}
	if strings.TrimSpace(s.Script) == "" {
		return errors.New("spec: empty script path")
	}
	for _, a := range s.Interpreter {
		if strings.TrimSpace(a) == "" {
			return errors.New("spec: empty interpreter argument")
		}
	}
	return nil
}

// BuildCommand constructs the *exec.Cmd for the spec. It does not wire
// stdio or process attributes; Spawn does that.
func (s Spec) BuildCommand() *exec.Cmd {
	argv := append(append([]string(nil), s.Interpreter...), s.Script)
	// #nosec G204 -- worker scripts are user-supplied by design
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.WorkDir
	return cmd
}
