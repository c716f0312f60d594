package runner

import (
	"os"
	"path/filepath"
	"strings"
)

// LaunchSpec is everything needed to spawn the process. It is computed once
// per Startup and not modified afterwards.
type LaunchSpec struct {
	Executable string
	Args       []string
	Dir        string
	Overlay    []EnvVar
	Clean      bool

	// Env is the effective environment handed to the child.
	Env []string
}

func newLaunchSpec(executable string, args []string, overlay []EnvVar, clean bool) (*LaunchSpec, error) {
	if executable == "" {
		return nil, ErrMissingExecutable
	}
	dir, err := executableDir(executable)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(executable) {
		if abs, err := filepath.Abs(executable); err == nil {
			executable = abs
			dir = filepath.Dir(abs)
		}
	}

	var base []string
	if !clean {
		base = os.Environ()
	}

	return &LaunchSpec{
		Executable: executable,
		Args:       append([]string(nil), args...),
		Dir:        dir,
		Overlay:    append([]EnvVar(nil), overlay...),
		Clean:      clean,
		Env:        MergeEnvironment(base, overlay),
	}, nil
}

// executableDir returns everything before the last path separator.
func executableDir(path string) (string, error) {
	i := strings.LastIndexAny(path, "/"+string(os.PathSeparator))
	if i < 0 {
		return "", ErrNoExecutableDir
	}
	if i == 0 {
		return path[:1], nil
	}
	return path[:i], nil
}

// MergeEnvironment applies overlay on top of base, both in KEY=value form
// for base. Overridden variables keep their position, new ones are appended
// in overlay order, and Unset entries are dropped. The result is never nil,
// so an empty result really does mean an empty environment to os/exec.
func MergeEnvironment(base []string, overlay []EnvVar) []string {
	final := make(map[string]EnvVar, len(overlay))
	var order []string
	for _, v := range overlay {
		if _, seen := final[v.Name]; !seen {
			order = append(order, v.Name)
		}
		final[v.Name] = v
	}

	out := make([]string, 0, len(base)+len(order))
	placed := make(map[string]bool, len(order))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		v, ok := final[name]
		switch {
		case !ok:
			out = append(out, kv)
		case v.Unset || placed[name]:
		default:
			out = append(out, name+"="+v.Value)
			placed[name] = true
		}
	}
	for _, name := range order {
		v := final[name]
		if v.Unset || placed[name] {
			continue
		}
		out = append(out, name+"="+v.Value)
	}
	return out
}
