package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/simulator/internal/agent"
	agentconfig "github.com/G-Research/simulator/internal/agent/configuration"
	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/coordinator/configuration"
	"github.com/G-Research/simulator/internal/operation"
	"github.com/G-Research/simulator/internal/protocol"
	"github.com/G-Research/simulator/internal/testsuite/model"
	"github.com/G-Research/simulator/internal/testsuite/report"
	workerconfig "github.com/G-Research/simulator/internal/worker/configuration"
	"github.com/G-Research/simulator/internal/worker/workloads"
)

func testConfig(agentCount, members, clients int) configuration.Configuration {
	agents := make([]configuration.AgentConfig, agentCount)
	for i := range agents {
		agents[i] = configuration.AgentConfig{PublicAddress: "127.0.0.1", PrivateAddress: "127.0.0.1"}
	}
	return configuration.Configuration{
		RequestTimeout:        5 * time.Second,
		Agents:                agents,
		Layout:                configuration.LayoutConfig{MemberWorkerCount: members, ClientWorkerCount: clients},
		DialAttempts:          5,
		DialDelay:             10 * time.Millisecond,
		FinishedWorkerTimeout: 5 * time.Second,
		LastTestPhaseToSync:   model.LastTestPhase,
	}
}

func inProcessStarter(launcher agent.WorkerLauncher) *InProcessAgentStarter {
	if launcher == nil {
		launcher = &agent.InProcessLauncher{
			Workloads: workloads.Builtin(),
			Config: workerconfig.Configuration{
				RequestTimeout:      5 * time.Second,
				ShutdownTimeout:     time.Second,
				PerformanceInterval: 50 * time.Millisecond,
			},
		}
	}
	return &InProcessAgentStarter{
		Config: agentconfig.Configuration{
			RequestTimeout: 5 * time.Second,
			Worker: agentconfig.WorkerConfig{
				Launcher:        "inprocess",
				Host:            "127.0.0.1",
				DialAttempts:    5,
				DialDelay:       10 * time.Millisecond,
				ShutdownTimeout: time.Second,
			},
		},
		Launcher: launcher,
	}
}

func testCase(id, workload string, properties ...string) model.TestCase {
	tc := model.TestCase{ID: id, Properties: map[string]string{model.WorkloadProperty: workload}}
	for i := 0; i+1 < len(properties); i += 2 {
		tc.Properties[properties[i]] = properties[i+1]
	}
	return tc
}

func states(r *report.SuiteReport) map[string]report.TestCaseState {
	result := make(map[string]report.TestCaseState)
	for _, tc := range r.TestCases {
		result[tc.TestID] = tc.State
	}
	return result
}

func criticalFailures(r *report.SuiteReport) []*operation.Failure {
	var critical []*operation.Failure
	for _, f := range r.Failures {
		if f.Critical {
			critical = append(critical, f)
		}
	}
	return critical
}

func run(t *testing.T, config configuration.Configuration, starter AgentStarter, suite *model.TestSuite) (*report.SuiteReport, error) {
	t.Helper()
	if suite.ID == "" {
		suite.ID = "suite"
	}
	require.NoError(t, suite.Validate())
	c := New(simcontext.Background(), config, starter, nil)
	result, err := c.Run(suite)
	require.NotNil(t, result)
	return result, err
}

func TestCoordinator_SequentialSuite(t *testing.T) {
	suite := &model.TestSuite{
		Duration:      200 * time.Millisecond,
		VerifyEnabled: true,
		TestCases:     []model.TestCase{testCase("noop", workloads.NoopWorkload), testCase("sleep", workloads.SleepWorkload, "sleepMillis", "5")},
	}
	result, err := run(t, testConfig(2, 2, 1), inProcessStarter(nil), suite)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Members)
	assert.Equal(t, 1, result.Clients)
	assert.Equal(t, map[string]report.TestCaseState{"noop": report.Completed, "sleep": report.Completed}, states(result))
	assert.Empty(t, criticalFailures(result))

	noop := result.TestCase("noop")
	require.Contains(t, noop.Probes, "noop")
	assert.Greater(t, noop.Probes["noop"].Count, int64(0))
	assert.GreaterOrEqual(t, noop.Duration, suite.Duration)

	sleep := result.TestCase("sleep")
	require.Contains(t, sleep.Probes, "sleep")
	assert.GreaterOrEqual(t, sleep.Probes["sleep"].Max, int64(5000))

	require.Contains(t, result.Probes, "noop")
	require.Contains(t, result.Probes, "sleep")
	assert.Equal(t, noop.Probes["noop"].Count, result.Probes["noop"].Count)
	assert.Equal(t, sleep.Probes["sleep"].Max, result.Probes["sleep"].Max)
}

func TestCoordinator_Interrupted(t *testing.T) {
	suite := &model.TestSuite{
		ID:            "suite",
		Duration:      time.Minute,
		VerifyEnabled: true,
		TestCases:     []model.TestCase{testCase("sleep", workloads.SleepWorkload), testCase("noop", workloads.NoopWorkload)},
	}
	require.NoError(t, suite.Validate())
	ctx, cancel := simcontext.WithTimeout(simcontext.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	result, err := New(ctx, testConfig(1, 1, 0), inProcessStarter(nil), nil).Run(suite)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 30*time.Second)
	assert.Equal(t, map[string]report.TestCaseState{"sleep": report.Aborted, "noop": report.Skipped}, states(result))
}

func TestCoordinator_SequentialFailFast(t *testing.T) {
	suite := &model.TestSuite{
		Duration:      100 * time.Millisecond,
		FailFast:      true,
		VerifyEnabled: true,
		TestCases: []model.TestCase{
			testCase("broken", workloads.FailWorkload, "failPhase", "setup"),
			testCase("skipped", workloads.NoopWorkload),
		},
	}
	result, err := run(t, testConfig(1, 1, 0), inProcessStarter(nil), suite)
	require.NoError(t, err)

	assert.Equal(t, map[string]report.TestCaseState{"broken": report.Failed, "skipped": report.Skipped}, states(result))
	critical := criticalFailures(result)
	require.Len(t, critical, 1)
	assert.Equal(t, "broken", critical[0].TestID)
	assert.Equal(t, protocol.Worker(1, 1), critical[0].Source)
	assert.Contains(t, result.TestCase("broken").TerminationReason, "setup failed on purpose")
	assert.True(t, result.HasCriticalFailure())
}

func TestCoordinator_SequentialFailFastSkipsAfterFailure(t *testing.T) {
	suite := &model.TestSuite{
		Duration:      100 * time.Millisecond,
		FailFast:      true,
		VerifyEnabled: true,
		TestCases: []model.TestCase{
			testCase("first", workloads.NoopWorkload),
			testCase("broken", workloads.FailWorkload, "failPhase", "run"),
			testCase("third", workloads.NoopWorkload),
		},
	}
	result, err := run(t, testConfig(1, 1, 0), inProcessStarter(nil), suite)
	require.NoError(t, err)

	assert.Equal(t, map[string]report.TestCaseState{
		"first":  report.Completed,
		"broken": report.Failed,
		"third":  report.Skipped,
	}, states(result))
	critical := criticalFailures(result)
	require.Len(t, critical, 1)
	assert.Equal(t, "broken", critical[0].TestID)
	assert.Contains(t, result.TestCase("broken").TerminationReason, "run failed on purpose")
	assert.Empty(t, result.TestCase("third").Probes)
}

func TestCoordinator_SequentialContinuesWithoutFailFast(t *testing.T) {
	suite := &model.TestSuite{
		Duration:      100 * time.Millisecond,
		VerifyEnabled: true,
		TestCases: []model.TestCase{
			testCase("broken", workloads.FailWorkload, "failPhase", "localVerify"),
			testCase("noop", workloads.NoopWorkload),
		},
	}
	result, err := run(t, testConfig(1, 1, 0), inProcessStarter(nil), suite)
	require.NoError(t, err)
	assert.Equal(t, map[string]report.TestCaseState{"broken": report.Failed, "noop": report.Completed}, states(result))
}

func TestCoordinator_VerifyDisabled(t *testing.T) {
	suite := &model.TestSuite{
		Duration:      50 * time.Millisecond,
		VerifyEnabled: false,
		TestCases:     []model.TestCase{testCase("unverified", workloads.FailWorkload, "failPhase", "globalVerify")},
	}
	result, err := run(t, testConfig(1, 1, 0), inProcessStarter(nil), suite)
	require.NoError(t, err)
	assert.Equal(t, report.Completed, result.TestCase("unverified").State)
	assert.Empty(t, result.Failures)
}

func TestCoordinator_RefreshWorkers(t *testing.T) {
	suite := &model.TestSuite{
		Duration:       50 * time.Millisecond,
		RefreshWorkers: true,
		TestCases:      []model.TestCase{testCase("first", workloads.NoopWorkload), testCase("second", workloads.NoopWorkload)},
	}
	config := testConfig(1, 1, 0)
	c := New(simcontext.Background(), config, inProcessStarter(nil), nil)
	result, err := c.Run(suite)
	require.NoError(t, err)
	assert.Equal(t, map[string]report.TestCaseState{"first": report.Completed, "second": report.Completed}, states(result))
	assert.Equal(t, []protocol.Address{protocol.Worker(1, 2)}, c.Failures().FinishedWorkers(), "the second test case ran on a new worker")
}

// failingLauncher fails to launch the workers at the given addresses.
type failingLauncher struct {
	agent.WorkerLauncher
	fail map[protocol.Address]bool
}

func (l *failingLauncher) Launch(ctx *simcontext.Context, address protocol.Address, settings operation.WorkerSettings) (agent.WorkerHandle, error) {
	if l.fail[address] {
		return nil, errors.New("no capacity")
	}
	return l.WorkerLauncher.Launch(ctx, address, settings)
}

func TestCoordinator_WorkerShortfall(t *testing.T) {
	launcher := &failingLauncher{
		WorkerLauncher: &agent.InProcessLauncher{
			Workloads: workloads.Builtin(),
			Config:    workerconfig.Configuration{RequestTimeout: 5 * time.Second, ShutdownTimeout: time.Second},
		},
		fail: map[protocol.Address]bool{protocol.Worker(2, 1): true},
	}
	suite := &model.TestSuite{
		Duration:  50 * time.Millisecond,
		TestCases: []model.TestCase{testCase("noop", workloads.NoopWorkload)},
	}
	result, err := run(t, testConfig(2, 2, 0), inProcessStarter(launcher), suite)

	var e *simerrors.ErrStartupFailure
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 2, e.Expected)
	assert.Equal(t, 1, e.Actual)
	assert.Equal(t, map[string]report.TestCaseState{"noop": report.Skipped}, states(result))
	assert.True(t, result.HasCriticalFailure())
}

func TestCoordinator_UnreachableAgent(t *testing.T) {
	config := testConfig(1, 1, 0)
	config.DialAttempts = 2
	starter := &RemoteAgentStarter{Executor: &recordingExecutor{}}
	config.Agents[0].Port = 1
	result, err := run(t, config, starter, &model.TestSuite{
		Duration:  time.Second,
		TestCases: []model.TestCase{testCase("noop", workloads.NoopWorkload)},
	})
	assert.True(t, simerrors.IsStartupFailure(err))
	assert.Equal(t, report.Skipped, result.TestCase("noop").State)
}

func TestCoordinator_ParallelSuite(t *testing.T) {
	suite := &model.TestSuite{
		Duration:      200 * time.Millisecond,
		Parallel:      true,
		VerifyEnabled: true,
		TestCases:     []model.TestCase{testCase("noop", workloads.NoopWorkload), testCase("sleep", workloads.SleepWorkload)},
	}
	result, err := run(t, testConfig(2, 1, 1), inProcessStarter(nil), suite)
	require.NoError(t, err)
	assert.Equal(t, map[string]report.TestCaseState{"noop": report.Completed, "sleep": report.Completed}, states(result))
	assert.Empty(t, result.Failures)
	assert.Greater(t, result.TestCase("noop").OperationCount, int64(0))
}

func TestCoordinator_ParallelFailFastCancelsRunningTestCases(t *testing.T) {
	suite := &model.TestSuite{
		Duration:      time.Minute,
		Parallel:      true,
		FailFast:      true,
		VerifyEnabled: true,
		TestCases: []model.TestCase{
			testCase("broken", workloads.FailWorkload, "failPhase", "run"),
			testCase("sleep", workloads.SleepWorkload),
		},
	}
	start := time.Now()
	result, err := run(t, testConfig(1, 1, 0), inProcessStarter(nil), suite)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 30*time.Second, "the running sibling was not cancelled")
	assert.Equal(t, map[string]report.TestCaseState{"broken": report.Failed, "sleep": report.Aborted}, states(result))
	assert.Len(t, criticalFailures(result), 1)
}

func TestCoordinator_ParallelFailFastSuppressesPendingTestCases(t *testing.T) {
	suite := &model.TestSuite{
		Duration:      50 * time.Millisecond,
		Parallel:      true,
		FailFast:      true,
		VerifyEnabled: true,
		TestCases: []model.TestCase{
			testCase("broken", workloads.FailWorkload, "failPhase", "setup"),
			testCase("second", workloads.NoopWorkload),
			testCase("third", workloads.NoopWorkload),
		},
	}
	config := testConfig(1, 1, 0)
	config.MaxParallelTestCases = 1
	result, err := run(t, config, inProcessStarter(nil), suite)
	require.NoError(t, err)
	assert.Equal(t, map[string]report.TestCaseState{
		"broken": report.Failed,
		"second": report.Skipped,
		"third":  report.Skipped,
	}, states(result))
}
