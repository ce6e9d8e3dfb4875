package types

import (
	"fmt"
	"strings"
)

// RunnerKind classifies the execution substrate behind a runner id.
type RunnerKind string

const (
	RunnerProcess         RunnerKind = "process"
	RunnerContainerLocal  RunnerKind = "container-local"
	RunnerContainerRemote RunnerKind = "container-remote"
)

// LocalRunnerID is the default runner. It always exists and can never be
// removed.
const LocalRunnerID = "local"

// DockerLocalRunnerID addresses the container runtime on the local machine.
const DockerLocalRunnerID = "docker:local"

// Variant binds an engine to the runner responsible for it. Every engine
// operation is addressed by variant, never by engine name alone: the same
// engine may run simultaneously under different runners.
type Variant struct {
	Engine   string
	RunnerID string
}

// ParseVariant parses a composite identifier of the form
// "engine:runner_id", where runner_id is "local", "docker:local" or
// "docker:<host>". A bare engine name maps to the local runner.
func ParseVariant(s string) (Variant, error) {
	if strings.TrimSpace(s) == "" {
		return Variant{}, fmt.Errorf("empty variant id")
	}
	parts := strings.SplitN(s, ":", 2)
	engine := parts[0]
	if engine == "" {
		return Variant{}, fmt.Errorf("variant id %q has empty engine name", s)
	}
	if len(parts) == 1 {
		return Variant{Engine: engine, RunnerID: LocalRunnerID}, nil
	}
	runnerID := parts[1]
	switch {
	case runnerID == LocalRunnerID:
	case runnerID == DockerLocalRunnerID:
	case strings.HasPrefix(runnerID, "docker:"):
		if strings.TrimPrefix(runnerID, "docker:") == "" {
			return Variant{}, fmt.Errorf("variant id %q has empty docker host", s)
		}
	default:
		return Variant{}, fmt.Errorf("variant id %q has unknown runner id %q", s, runnerID)
	}
	return Variant{Engine: engine, RunnerID: runnerID}, nil
}

// MustParseVariant is ParseVariant for identifiers known to be valid, such
// as literals in tests.
func MustParseVariant(s string) Variant {
	v, err := ParseVariant(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Variant) String() string {
	return v.Engine + ":" + v.RunnerID
}

// Kind reports the substrate the variant's runner operates on.
func (v Variant) Kind() RunnerKind {
	switch {
	case v.RunnerID == LocalRunnerID:
		return RunnerProcess
	case v.RunnerID == DockerLocalRunnerID:
		return RunnerContainerLocal
	default:
		return RunnerContainerRemote
	}
}

// HostID returns the execution target this variant runs on. Host ids and
// runner ids share one namespace: "local", "docker:local", "docker:<host>".
func (v Variant) HostID() string {
	return v.RunnerID
}

// RemoteHost returns the host part of a remote container runner id, or ""
// for local substrates.
func (v Variant) RemoteHost() string {
	if v.Kind() != RunnerContainerRemote {
		return ""
	}
	return strings.TrimPrefix(v.RunnerID, "docker:")
}
