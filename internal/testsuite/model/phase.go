package model

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/simerrors"
)

// TestPhase is a lifecycle stage of a test case. Phases are executed in declaration order.
type TestPhase int

const (
	Setup TestPhase = iota
	LocalWarmup
	GlobalWarmup
	Run
	GlobalVerify
	LocalVerify
	GlobalTeardown
	LocalTeardown
)

var testPhaseNames = []string{
	"Setup",
	"LocalWarmup",
	"GlobalWarmup",
	"Run",
	"GlobalVerify",
	"LocalVerify",
	"GlobalTeardown",
	"LocalTeardown",
}

// AllTestPhases returns every phase in execution order.
func AllTestPhases() []TestPhase {
	phases := make([]TestPhase, len(testPhaseNames))
	for i := range phases {
		phases[i] = TestPhase(i)
	}
	return phases
}

// LastTestPhase is the final phase of every test case.
const LastTestPhase = LocalTeardown

func (p TestPhase) String() string {
	if p < 0 || int(p) >= len(testPhaseNames) {
		return "Unknown"
	}
	return testPhaseNames[p]
}

// Description is the human-readable form used in logs, e.g. "global warmup".
func (p TestPhase) Description() string {
	name := p.String()
	var sb strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			sb.WriteByte(' ')
		}
		sb.WriteRune(r)
	}
	return strings.ToLower(sb.String())
}

// IsGlobal returns true for phases executed by a single worker on behalf of the whole cluster.
func (p TestPhase) IsGlobal() bool {
	return p == GlobalWarmup || p == GlobalVerify || p == GlobalTeardown
}

// IsVerify returns true for the verification phases, which are skipped when verification is disabled.
func (p TestPhase) IsVerify() bool {
	return p == GlobalVerify || p == LocalVerify
}

// ParseTestPhase accepts the phase name in any case, with or without separators, e.g. "globalWarmup" or "global_warmup".
func ParseTestPhase(s string) (TestPhase, error) {
	normalised := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	for i, name := range testPhaseNames {
		if strings.ToLower(name) == normalised {
			return TestPhase(i), nil
		}
	}
	return 0, errors.WithStack(&simerrors.ErrInvalidArgument{
		Name:    "testPhase",
		Value:   s,
		Message: "must be one of " + strings.Join(testPhaseNames, ", "),
	})
}

func (p TestPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *TestPhase) UnmarshalText(text []byte) error {
	parsed, err := ParseTestPhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
