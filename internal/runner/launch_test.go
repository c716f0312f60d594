package runner

import (
	"errors"
	"slices"
	"testing"

	"github.com/benaskins/warden/internal/exitcode"
)

func TestMergeEnvironment(t *testing.T) {
	base := []string{"A=1", "B=2", "C=3"}
	overlay := []EnvVar{
		{Name: "B", Value: "20"},
		{Name: "C", Unset: true},
		{Name: "D", Value: "4"},
		{Name: "E", Unset: true},
	}

	got := MergeEnvironment(base, overlay)
	want := []string{"A=1", "B=20", "D=4"}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMergeEnvironmentLastEntryWins(t *testing.T) {
	overlay := []EnvVar{
		{Name: "A", Value: "first"},
		{Name: "A", Unset: true},
		{Name: "B", Unset: true},
		{Name: "B", Value: "back"},
	}
	got := MergeEnvironment([]string{"A=base", "B=base"}, overlay)
	want := []string{"B=back"}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMergeEnvironmentClean(t *testing.T) {
	got := MergeEnvironment(nil, nil)
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil environment, got %#v", got)
	}

	t.Setenv("WARDEN_MERGE_TEST", "inherited")
	ls, err := newLaunchSpec("/bin/true", nil, []EnvVar{{Name: "ONLY", Value: "me"}}, true)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ls.Env, []string{"ONLY=me"}) {
		t.Errorf("clean launch env = %v", ls.Env)
	}

	ls, err = newLaunchSpec("/bin/true", nil, []EnvVar{{Name: "WARDEN_MERGE_TEST", Unset: true}}, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, kv := range ls.Env {
		if kv == "WARDEN_MERGE_TEST=inherited" {
			t.Error("removed variable survived the merge")
		}
	}
}

func TestExecutableDir(t *testing.T) {
	tests := []struct {
		path string
		want string
		err  error
	}{
		{"/opt/app/bin/run", "/opt/app/bin", nil},
		{"/run", "/", nil},
		{"bin/run", "bin", nil},
		{"run", "", ErrNoExecutableDir},
	}
	for _, tt := range tests {
		got, err := executableDir(tt.path)
		if !errors.Is(err, tt.err) || got != tt.want {
			t.Errorf("executableDir(%q) = %q, %v; want %q, %v", tt.path, got, err, tt.want, tt.err)
		}
	}
}

func TestConfigureMap(t *testing.T) {
	r := New("map", exitcode.Posix, WithLogger(quietLogger()))
	err := r.ConfigureMap(map[string]any{
		KeyExecutablePath:           "/opt/app/bin/run",
		KeyExecutableFlags:          "--port=8080 -v",
		KeyExecutableEnvironment:    "A=1 B",
		KeyExecutableEnvironmentMap: map[string]any{"C": "3", "D": nil},
		"zeta":                      42,
		"alpha":                     nil,
	})
	if err != nil {
		t.Fatal(err)
	}

	wantArgs := []string{"--port=8080", "-v", "--alpha", "--zeta=42"}
	if !slices.Equal(r.args, wantArgs) {
		t.Errorf("args = %q, want %q", r.args, wantArgs)
	}
	wantEnv := []EnvVar{
		{Name: "A", Value: "1"},
		{Name: "B", Unset: true},
		{Name: "C", Value: "3"},
		{Name: "D", Unset: true},
	}
	if !slices.Equal(r.overlay, wantEnv) {
		t.Errorf("overlay = %+v, want %+v", r.overlay, wantEnv)
	}
	if r.executable != "/opt/app/bin/run" {
		t.Errorf("executable = %q", r.executable)
	}
}

func TestConfigureDescription(t *testing.T) {
	r := New("desc", exitcode.Posix, WithLogger(quietLogger()))
	err := r.Configure(Description{
		Executable:       "/opt/app/bin/run",
		Flags:            `--title=a\ b`,
		Args:             []string{"--verbose"},
		Environment:      "LANG=C",
		Env:              []EnvVar{{Name: "HOME", Unset: true}},
		CleanEnvironment: true,
		Config:           map[string]string{"b": "2", "a": "1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	wantArgs := []string{"--title=a b", "--verbose", "--a=1", "--b=2"}
	if !slices.Equal(r.args, wantArgs) {
		t.Errorf("args = %q, want %q", r.args, wantArgs)
	}
	if !r.clean {
		t.Error("expected clean environment")
	}
	if len(r.overlay) != 2 || r.overlay[1].Name != "HOME" || !r.overlay[1].Unset {
		t.Errorf("overlay = %+v", r.overlay)
	}
}
