package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestPhase_Order(t *testing.T) {
	phases := AllTestPhases()
	require.Len(t, phases, 8)
	assert.Equal(t, Setup, phases[0])
	assert.Equal(t, LastTestPhase, phases[len(phases)-1])
	for i := 1; i < len(phases); i++ {
		assert.Less(t, phases[i-1], phases[i])
	}
}

func TestTestPhase_Properties(t *testing.T) {
	tests := map[string]struct {
		phase       TestPhase
		global      bool
		verify      bool
		description string
	}{
		"setup":           {Setup, false, false, "setup"},
		"global warmup":   {GlobalWarmup, true, false, "global warmup"},
		"run":             {Run, false, false, "run"},
		"local verify":    {LocalVerify, false, true, "local verify"},
		"global verify":   {GlobalVerify, true, true, "global verify"},
		"global teardown": {GlobalTeardown, true, false, "global teardown"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.global, tc.phase.IsGlobal())
			assert.Equal(t, tc.verify, tc.phase.IsVerify())
			assert.Equal(t, tc.description, tc.phase.Description())
		})
	}
}

func TestParseTestPhase(t *testing.T) {
	for _, s := range []string{"GlobalWarmup", "globalwarmup", "global_warmup", "Global Warmup"} {
		phase, err := ParseTestPhase(s)
		require.NoError(t, err)
		assert.Equal(t, GlobalWarmup, phase)
	}
	_, err := ParseTestPhase("cooldown")
	assert.Error(t, err)

	var p TestPhase
	require.NoError(t, p.UnmarshalText([]byte("LocalTeardown")))
	assert.Equal(t, LocalTeardown, p)
	text, err := p.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "LocalTeardown", string(text))
}

func TestTestSuiteFromBytes(t *testing.T) {
	suite, err := TestSuiteFromBytes([]byte(`
id: nightly
duration: 90s
failFast: true
testCases:
  - id: map
    properties:
      class: sleep
      threadCount: "4"
  - id: queue
    properties:
      class: noop
`))
	require.NoError(t, err)
	assert.Equal(t, "nightly", suite.ID)
	assert.Equal(t, 90*time.Second, suite.Duration)
	assert.True(t, suite.FailFast)
	assert.True(t, suite.VerifyEnabled)
	assert.False(t, suite.Parallel)
	assert.Equal(t, 2, suite.Size())
	assert.Equal(t, "sleep", suite.TestCases[0].Workload())
	assert.Equal(t, "4", suite.TestCases[0].Properties["threadCount"])
	assert.Equal(t, 5, suite.MaxTestCaseIdLength())
}

func TestTestSuiteFromBytes_GeneratesId(t *testing.T) {
	suite, err := TestSuiteFromBytes([]byte("waitForTestCase: true\ntestCases:\n  - id: a\n    properties: {class: noop}\n"))
	require.NoError(t, err)
	assert.NotEmpty(t, suite.ID)
}

func TestTestSuiteFromBytes_Invalid(t *testing.T) {
	tests := map[string]string{
		"no test cases":   "duration: 10s\n",
		"no duration":     "testCases:\n  - id: a\n    properties: {class: noop}\n",
		"missing id":      "duration: 10s\ntestCases:\n  - properties: {class: noop}\n",
		"duplicate id":    "duration: 10s\ntestCases:\n  - id: a\n    properties: {class: noop}\n  - id: a\n    properties: {class: noop}\n",
		"missing class":   "duration: 10s\ntestCases:\n  - id: a\n",
		"unknown field":   "duration: 10s\nbogus: 1\ntestCases:\n  - id: a\n    properties: {class: noop}\n",
		"invalid content": "[not, a, suite]",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := TestSuiteFromBytes([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestTestSuiteFromFilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte("duration: 1s\ntestCases:\n  - id: a\n    properties: {class: noop}\n"), 0o644))
	suite, err := TestSuiteFromFilePath(path)
	require.NoError(t, err)
	assert.Equal(t, time.Second, suite.Duration)

	_, err = TestSuiteFromFilePath(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
