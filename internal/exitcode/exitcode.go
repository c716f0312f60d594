// Package exitcode classifies raw process exit codes per platform.
//
// A Policy is chosen once, from a platform identifier, when a runner is
// built. The Posix policy understands the shell convention of reporting a
// signal-terminated process as 128 plus the signal number. The Simple policy
// is used where exit codes carry no standard meaning: every exit counts as a
// success, and the numeric code is only surfaced as a label.
package exitcode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownPlatform is returned by ForPlatform for an unrecognized identifier.
var ErrUnknownPlatform = errors.New("unknown platform")

// signalOffset is added to a signal number by POSIX shells to form an exit code.
const signalOffset = 128

// maxSignal bounds the range of codes interpreted as signal encodings.
const maxSignal = 64

// Policy is a closed set of exit code interpretations.
type Policy int

const (
	// Posix treats 0 as success and decodes 128+N as signal N.
	Posix Policy = iota
	// Simple treats every exit as a success and reports the numeric code.
	Simple
)

func (p Policy) String() string {
	switch p {
	case Posix:
		return "posix"
	case Simple:
		return "simple"
	default:
		return "policy(" + strconv.Itoa(int(p)) + ")"
	}
}

// Verdict is the result of classifying an exit code.
type Verdict struct {
	Success bool
	Label   string
}

// ForPlatform selects the policy for an operating system identifier such as
// "linux", "osx" or "windows".
func ForPlatform(platform string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case "linux", "osx", "darwin", "macos":
		return Posix, nil
	case "windows":
		return Simple, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
}

// Classify maps an exit code to a verdict.
func (p Policy) Classify(code int) Verdict {
	switch p {
	case Simple:
		// TODO: decide whether non-zero exits should count as failures on
		// windows; today they never trigger a restart.
		return Verdict{Success: true, Label: strconv.Itoa(code)}
	default:
		return classifyPosix(code)
	}
}

func classifyPosix(code int) Verdict {
	if code == 0 {
		return Verdict{Success: true, Label: "0"}
	}
	if code > signalOffset && code <= signalOffset+maxSignal {
		if name := signalName(code - signalOffset); name != "" {
			return Verdict{Success: false, Label: name}
		}
	}
	return Verdict{Success: false, Label: strconv.Itoa(code)}
}
