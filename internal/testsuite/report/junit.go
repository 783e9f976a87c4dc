package report

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/jstemmer/go-junit-report/v2/junit"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/simulator/pkg/histogram"
)

// JunitFormatter renders the report as JUnit XML, one testcase per test case, so that CI systems can
// display the outcome of a suite.
func JunitFormatter(r *SuiteReport) ([]byte, error) {
	suite := junit.Testsuite{
		Name: r.SuiteID,
		Time: seconds(r.Duration),
	}
	suite.SetTimestamp(r.Start)
	suite.AddProperty("members", strconv.Itoa(r.Members))
	suite.AddProperty("clients", strconv.Itoa(r.Clients))
	for _, tc := range r.TestCases {
		suite.AddTestcase(junitTestcase(r.SuiteID, tc))
	}
	if len(r.Probes) > 0 {
		var probes bytes.Buffer
		fmt.Fprintln(&probes, "all test cases:")
		writeProbes(&probes, r.Probes)
		suite.SystemOut = &junit.Output{Data: probes.String()}
	}
	if len(r.Failures) > 0 {
		var failures bytes.Buffer
		for _, f := range r.Failures {
			fmt.Fprintln(&failures, f)
		}
		suite.SystemErr = &junit.Output{Data: failures.String()}
	}

	var suites junit.Testsuites
	suites.AddSuite(suite)
	var b bytes.Buffer
	if err := suites.WriteXML(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func junitTestcase(suiteID string, r *TestCaseReport) junit.Testcase {
	tc := junit.Testcase{
		Name:      r.TestID,
		Classname: suiteID,
		Time:      seconds(r.Duration),
		Status:    string(r.State),
	}
	switch r.State {
	case Failed:
		tc.Failure = &junit.Result{Message: r.TerminationReason, Type: string(Failed)}
	case Aborted:
		tc.Error = &junit.Result{Message: r.TerminationReason, Type: string(Aborted)}
	case Skipped:
		tc.Skipped = &junit.Result{Message: r.TerminationReason}
	}

	var out bytes.Buffer
	if r.OperationCount > 0 {
		fmt.Fprintf(&out, "operations: %d, throughput: %.2f ops/s\n", r.OperationCount, r.Throughput)
	}
	writeProbes(&out, r.Probes)
	if out.Len() > 0 {
		tc.SystemOut = &junit.Output{Data: out.String()}
	}
	return tc
}

func writeProbes(out *bytes.Buffer, probes map[string]*histogram.LatencyDistributionResult) {
	names := maps.Keys(probes)
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(out, "%s: %s\n", name, probes[name])
	}
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
