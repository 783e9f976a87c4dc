// Package testsuite implements the commands of the simulator binary: running a test suite on the coordinator
// and printing version information.
package testsuite

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/coordinator"
	"github.com/G-Research/simulator/internal/coordinator/configuration"
	"github.com/G-Research/simulator/internal/testsuite/build"
	"github.com/G-Research/simulator/internal/testsuite/model"
	"github.com/G-Research/simulator/internal/testsuite/report"
)

type App struct {
	// Parameters passed to the CLI by the user.
	Params *Params
	// Out is used to write the output. Defaults to standard out,
	// but can be overridden in tests to make assertions on the applications's output.
	Out io.Writer
}

// Params holds the user-customizable parameters of the commands.
type Params struct {
	// If set, the suite report is written to this file.
	ReportPath string
	// "yaml", "json" or "junit".
	ReportFormat string
	// Registry the coordinator's metrics are registered with; may be nil.
	Registerer prometheus.Registerer
}

// New instantiates an App writing to standard out.
func New() *App {
	return &App{
		Params: &Params{},
		Out:    os.Stdout,
	}
}

// Version prints build information (e.g., current git commit) to the app output.
func (a *App) Version() error {
	w := tabwriter.NewWriter(a.Out, 1, 1, 1, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "Version:\t%s\n", build.ReleaseVersion)
	fmt.Fprintf(w, "Commit:\t%s\n", build.GitCommit)
	fmt.Fprintf(w, "Go version:\t%s\n", build.GoVersion)
	fmt.Fprintf(w, "Built:\t%s\n", build.BuildTime)
	return nil
}

// RunSuiteFile loads the suite at path and runs it. See RunSuite.
func (a *App) RunSuiteFile(ctx *simcontext.Context, config configuration.Configuration, starter coordinator.AgentStarter, path string) (*report.SuiteReport, error) {
	suite, err := model.TestSuiteFromFilePath(path)
	if err != nil {
		return nil, err
	}
	return a.RunSuite(ctx, config, starter, suite)
}

// RunSuite runs suite on the fleet described by config, prints the report and writes it to the report file.
// It returns an error if the fleet could not be started or any critical failure was recorded.
func (a *App) RunSuite(ctx *simcontext.Context, config configuration.Configuration, starter coordinator.AgentStarter, suite *model.TestSuite) (*report.SuiteReport, error) {
	formatter, err := report.FormatterFor(a.Params.ReportFormat)
	if err != nil {
		return nil, errors.WithStack(&simerrors.ErrInvalidArgument{Name: "reportFormat", Value: a.Params.ReportFormat, Message: err.Error()})
	}
	ctx.Log.Infof("running test suite %s with %d test cases", suite.ID, suite.Size())

	// Cancelling ctx skips the remaining test cases and aborts the running ones.
	c := coordinator.New(ctx, config, starter, a.Params.Registerer)
	result, runErr := c.Run(suite)
	result.Print(a.Out)
	if a.Params.ReportPath != "" {
		data, err := result.Generate(formatter)
		if err != nil {
			return result, err
		}
		if err := os.WriteFile(a.Params.ReportPath, data, 0o644); err != nil {
			return result, errors.WithStack(err)
		}
		ctx.Log.Infof("report written to %s", a.Params.ReportPath)
	}
	if runErr != nil {
		return result, runErr
	}
	if result.HasCriticalFailure() {
		return result, errors.Errorf("test suite %s failed", suite.ID)
	}
	return result, nil
}
