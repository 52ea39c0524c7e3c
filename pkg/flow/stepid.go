package flow

import (
	"fmt"
	"strconv"
	"strings"
)

// StepID is the hierarchical identifier {flowId}:{branchPath}:{position}
// from spec.md §3/§6. It is assigned at definition time and never mutated.
type StepID struct {
	FlowID     string
	BranchPath string
	Position   int
}

// String renders the wire form: "FLOW-001:main.subA:2".
func (s StepID) String() string {
	return fmt.Sprintf("%s:%s:%d", s.FlowID, s.BranchPath, s.Position)
}

// MarshalText implements encoding.TextMarshaler so a StepID can be used
// directly as a JSON object key (map[StepID]*T) or scalar field value.
func (s StepID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, the counterpart to
// MarshalText.
func (s *StepID) UnmarshalText(text []byte) error {
	parsed, err := ParseStepID(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStepID parses the wire form produced by String.
func ParseStepID(wire string) (StepID, error) {
	parts := strings.Split(wire, ":")
	if len(parts) != 3 {
		return StepID{}, fmt.Errorf("flow: malformed step id %q: expected 3 colon-delimited fields", wire)
	}
	pos, err := strconv.Atoi(parts[2])
	if err != nil {
		return StepID{}, fmt.Errorf("flow: malformed step id %q: position not numeric: %w", wire, err)
	}
	return StepID{FlowID: parts[0], BranchPath: parts[1], Position: pos}, nil
}

// BranchPath is a dot-joined ancestor chain; nested branches use ".",
// top-level branch names are separated by nothing further (top-level
// branch names are themselves dot-joined segments per spec.md §3/§6,
// e.g. "main.subA").
type BranchPath string

// Parent returns the branch path one level up, or "" if already top-level.
func (b BranchPath) Parent() BranchPath {
	s := string(b)
	idx := strings.LastIndex(s, ".")
	if idx < 0 {
		return ""
	}
	return BranchPath(s[:idx])
}

// Segments splits the branch path into its dot-joined components.
func (b BranchPath) Segments() []string {
	if b == "" {
		return nil
	}
	return strings.Split(string(b), ".")
}

// Child derives a nested branch path by appending name.
func (b BranchPath) Child(name string) BranchPath {
	if b == "" {
		return BranchPath(name)
	}
	return BranchPath(string(b) + "." + name)
}
