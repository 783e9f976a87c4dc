package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/openconfig/goyang/pkg/indent"
	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v2"

	"github.com/G-Research/simulator/pkg/histogram"
)

// Formatter renders a report.
type Formatter func(r *SuiteReport) ([]byte, error)

func YamlFormatter(r *SuiteReport) ([]byte, error) {
	return yaml.Marshal(r)
}

func JsonFormatter(r *SuiteReport) ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(r, "", "  ")
}

// FormatterFor returns the formatter called name, "yaml", "json" or "junit".
func FormatterFor(name string) (Formatter, error) {
	switch name {
	case "", "yaml", "yml":
		return YamlFormatter, nil
	case "json":
		return JsonFormatter, nil
	case "junit", "xml":
		return JunitFormatter, nil
	default:
		return nil, fmt.Errorf("unknown report format %q", name)
	}
}

func (r *SuiteReport) Generate(formatter Formatter) ([]byte, error) {
	if formatter == nil {
		formatter = YamlFormatter
	}
	return formatter(r)
}

func (r *SuiteReport) Print(out io.Writer) {
	_, _ = fmt.Fprintf(out, "\nTest suite %s finished after %s (%d members, %d clients)\n", r.SuiteID, r.Duration, r.Members, r.Clients)
	for _, tc := range r.TestCases {
		tc.Print(out)
	}
	if len(r.Probes) > 0 {
		_, _ = fmt.Fprintf(out, "\nAll test cases:\n")
		printProbes(out, r.Probes)
	}
	r.PrintFailures(out)
}

func (r *TestCaseReport) Print(out io.Writer) {
	_, _ = fmt.Fprintf(out, "\n%s: %s", r.TestID, r.State)
	if r.TerminationReason != "" {
		_, _ = fmt.Fprintf(out, " (%s)", r.TerminationReason)
	}
	_, _ = fmt.Fprintf(out, ", duration: %s\n", r.Duration)
	if r.OperationCount > 0 {
		_, _ = fmt.Fprintf(out, "\toperations: %d, throughput: %.2f ops/s\n", r.OperationCount, r.Throughput)
	}
	printProbes(out, r.Probes)
}

func printProbes(out io.Writer, probes map[string]*histogram.LatencyDistributionResult) {
	names := maps.Keys(probes)
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		_, _ = fmt.Fprintf(&sb, "* %s: %s\n", name, probes[name])
	}
	_, _ = io.WriteString(out, indent.String("\t", sb.String()))
}

func (r *SuiteReport) PrintFailures(out io.Writer) {
	if len(r.Failures) == 0 {
		_, _ = fmt.Fprintf(out, "\nNo failures\n")
		return
	}
	_, _ = fmt.Fprintf(out, "\nFailures (%d):\n", len(r.Failures))
	for _, f := range r.Failures {
		_, _ = fmt.Fprintf(out, "\t* %s\n", f)
	}
}
