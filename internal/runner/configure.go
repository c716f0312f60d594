package runner

import "fmt"

// Keys recognized by ConfigureMap. Any other key becomes a --key=value flag.
const (
	KeyExecutablePath           = "executablePath"
	KeyExecutableFlags          = "executableFlags"
	KeyExecutableEnvironment    = "executableEnvironment"
	KeyExecutableEnvironmentMap = "executableEnvironmentMap"
)

// Description is the declarative form of a runner's launch configuration.
type Description struct {
	Name       string
	Executable string

	// Flags is tokenized with SplitFlags and precedes Args.
	Flags string
	Args  []string

	// Environment is parsed with ParseEnvironment and precedes Env.
	Environment      string
	Env              []EnvVar
	CleanEnvironment bool

	// Config entries become trailing --key=value flags in key order.
	Config map[string]string
}

// Configure applies d on top of the runner's current configuration.
func (r *Runner) Configure(d Description) error {
	if d.Executable == "" {
		return fmt.Errorf("runner %s: %w", r.name, ErrMissingExecutable)
	}

	args := SplitFlags(d.Flags)
	args = append(args, d.Args...)
	for _, k := range sortedKeys(d.Config) {
		args = append(args, "--"+k+"="+d.Config[k])
	}

	env := ParseEnvironment(d.Environment)
	env = append(env, d.Env...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.executable = d.Executable
	r.args = append(r.args, args...)
	r.overlay = append(r.overlay, env...)
	r.clean = d.CleanEnvironment
	return nil
}

// ConfigureMap applies a flat configuration map. executablePath is
// required; executableEnvironmentMap values of nil mark removals.
func (r *Runner) ConfigureMap(m map[string]any) error {
	exe, _ := m[KeyExecutablePath].(string)
	if exe == "" {
		return fmt.Errorf("runner %s: %w", r.name, ErrMissingExecutable)
	}

	var (
		args []string
		env  []EnvVar
	)
	if s, ok := m[KeyExecutableFlags].(string); ok {
		args = append(args, SplitFlags(s)...)
	}
	if s, ok := m[KeyExecutableEnvironment].(string); ok {
		env = append(env, ParseEnvironment(s)...)
	}
	em, err := envMap(m[KeyExecutableEnvironmentMap])
	if err != nil {
		return fmt.Errorf("runner %s: %s: %w", r.name, KeyExecutableEnvironmentMap, err)
	}
	env = append(env, em...)

	for _, k := range sortedKeys(m) {
		switch k {
		case KeyExecutablePath, KeyExecutableFlags, KeyExecutableEnvironment, KeyExecutableEnvironmentMap:
			continue
		}
		if v := m[k]; v != nil {
			args = append(args, fmt.Sprintf("--%s=%v", k, v))
		} else {
			args = append(args, "--"+k)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.executable = exe
	r.args = append(r.args, args...)
	r.overlay = append(r.overlay, env...)
	return nil
}

func envMap(v any) ([]EnvVar, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		out := make([]EnvVar, 0, len(m))
		for _, k := range sortedKeys(m) {
			out = append(out, EnvVar{Name: k, Value: m[k]})
		}
		return out, nil
	case map[string]any:
		out := make([]EnvVar, 0, len(m))
		for _, k := range sortedKeys(m) {
			if m[k] == nil {
				out = append(out, EnvVar{Name: k, Unset: true})
				continue
			}
			out = append(out, EnvVar{Name: k, Value: fmt.Sprint(m[k])})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}
