package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/simerrors"
)

const (
	// Wildcard addresses every component at its level.
	Wildcard int32 = -1
	// NotApplicable marks a level that is not addressed.
	NotApplicable int32 = -2
)

// Levels of the component hierarchy.
const (
	CoordinatorLevel = 0
	AgentLevel       = 1
	WorkerLevel      = 2
	TestLevel        = 3
)

// Address identifies a component in the coordinator/agent/worker/test hierarchy.
// Its level is the number of leading indices that are not NotApplicable.
type Address struct {
	AgentIndex  int32
	WorkerIndex int32
	TestIndex   int32
}

func Coordinator() Address {
	return Address{AgentIndex: NotApplicable, WorkerIndex: NotApplicable, TestIndex: NotApplicable}
}

func Agent(agentIndex int32) Address {
	return Address{AgentIndex: agentIndex, WorkerIndex: NotApplicable, TestIndex: NotApplicable}
}

func AllAgents() Address {
	return Agent(Wildcard)
}

func Worker(agentIndex, workerIndex int32) Address {
	return Address{AgentIndex: agentIndex, WorkerIndex: workerIndex, TestIndex: NotApplicable}
}

func AllWorkers() Address {
	return Worker(Wildcard, Wildcard)
}

func AllWorkersOfAgent(agentIndex int32) Address {
	return Worker(agentIndex, Wildcard)
}

func Test(agentIndex, workerIndex, testIndex int32) Address {
	return Address{AgentIndex: agentIndex, WorkerIndex: workerIndex, TestIndex: testIndex}
}

// AllTests addresses every test on every worker. A specific test cannot be addressed under
// a wildcard worker; operations sent here name their test in the payload.
func AllTests() Address {
	return Test(Wildcard, Wildcard, Wildcard)
}

func (a Address) indices() [3]int32 {
	return [3]int32{a.AgentIndex, a.WorkerIndex, a.TestIndex}
}

func fromIndices(indices [3]int32) Address {
	return Address{AgentIndex: indices[0], WorkerIndex: indices[1], TestIndex: indices[2]}
}

// Level returns CoordinatorLevel, AgentLevel, WorkerLevel or TestLevel.
func (a Address) Level() int {
	level := 0
	for _, index := range a.indices() {
		if index == NotApplicable {
			break
		}
		level++
	}
	return level
}

// Index returns the index at level (1 for the agent index up to 3 for the test index).
// Levels outside that range return NotApplicable.
func (a Address) Index(level int) int32 {
	if level < AgentLevel || level > TestLevel {
		return NotApplicable
	}
	return a.indices()[level-1]
}

// Validate returns an error unless a is well-formed: no index follows a NotApplicable one,
// only wildcards follow a wildcard, and every other index is non-negative.
func (a Address) Validate() error {
	seenNotApplicable := false
	seenWildcard := false
	for i, index := range a.indices() {
		switch {
		case index == NotApplicable:
			seenNotApplicable = true
		case seenNotApplicable:
			return errors.WithStack(&simerrors.ErrInvalidArgument{
				Name:    "address",
				Value:   a.indices(),
				Message: fmt.Sprintf("index %d follows a level that is not applicable", i),
			})
		case index == Wildcard:
			seenWildcard = true
		case index < 0:
			return errors.WithStack(&simerrors.ErrInvalidArgument{
				Name:    "address",
				Value:   a.indices(),
				Message: fmt.Sprintf("index %d is negative", i),
			})
		case seenWildcard:
			return errors.WithStack(&simerrors.ErrInvalidArgument{
				Name:    "address",
				Value:   a.indices(),
				Message: fmt.Sprintf("concrete index %d follows a wildcard", i),
			})
		}
	}
	return nil
}

// IsWildcard returns true if any index of a is a wildcard.
func (a Address) IsWildcard() bool {
	for _, index := range a.indices() {
		if index == Wildcard {
			return true
		}
	}
	return false
}

// Compare orders addresses by agent index, then worker index, then test index.
func (a Address) Compare(b Address) int {
	ai, bi := a.indices(), b.indices()
	for i := range ai {
		if ai[i] < bi[i] {
			return -1
		}
		if ai[i] > bi[i] {
			return 1
		}
	}
	return 0
}

func (a Address) Less(b Address) bool {
	return a.Compare(b) < 0
}

// Includes returns true if a and b are at the same level and every index of a is a wildcard or equal to b's.
func (a Address) Includes(b Address) bool {
	if a.Level() != b.Level() {
		return false
	}
	ai, bi := a.indices(), b.indices()
	for i := range ai {
		if ai[i] != Wildcard && ai[i] != bi[i] {
			return false
		}
	}
	return true
}

// IsAncestorOf returns true if d is a or may lie below a: a's level is no deeper than d's
// and down to a's level the indices of a and d are equal or one of them is a wildcard.
func (a Address) IsAncestorOf(d Address) bool {
	level := a.Level()
	if level > d.Level() {
		return false
	}
	ai, di := a.indices(), d.indices()
	for i := 0; i < level; i++ {
		if ai[i] != Wildcard && di[i] != Wildcard && ai[i] != di[i] {
			return false
		}
	}
	return true
}

// hops returns the number of links between a and b in the hierarchy.
func hops(a, b Address) int {
	al, bl := a.Level(), b.Level()
	ai, bi := a.indices(), b.indices()
	common := 0
	for common < al && common < bl && ai[common] == bi[common] {
		common++
	}
	return al + bl - 2*common
}

// Truncate returns the address of a's ancestor at level. If a is not deeper than level, a is returned.
func (a Address) Truncate(level int) Address {
	if level < CoordinatorLevel {
		level = CoordinatorLevel
	}
	indices := a.indices()
	for i := level; i < len(indices); i++ {
		indices[i] = NotApplicable
	}
	return fromIndices(indices)
}

// Parent returns the address one level up. The coordinator is its own parent.
func (a Address) Parent() Address {
	return a.Truncate(a.Level() - 1)
}

// Child returns the address of the child with index one level down.
// Test addresses have no children and are returned unchanged.
func (a Address) Child(index int32) Address {
	level := a.Level()
	if level >= TestLevel {
		return a
	}
	indices := a.indices()
	indices[level] = index
	return fromIndices(indices)
}

// String formats a as C, C_A1, C_A1_W2 or C_A1_W2_T3, with * standing for a wildcard index.
func (a Address) String() string {
	var sb strings.Builder
	sb.WriteString("C")
	for i, prefix := range []string{"_A", "_W", "_T"} {
		index := a.indices()[i]
		if index == NotApplicable {
			break
		}
		sb.WriteString(prefix)
		if index == Wildcard {
			sb.WriteString("*")
		} else {
			sb.WriteString(strconv.FormatInt(int64(index), 10))
		}
	}
	return sb.String()
}

// ParseAddress is the inverse of Address.String.
func ParseAddress(s string) (Address, error) {
	invalid := func(message string) (Address, error) {
		return Address{}, errors.WithStack(&simerrors.ErrInvalidArgument{Name: "address", Value: s, Message: message})
	}
	parts := strings.Split(strings.TrimSpace(s), "_")
	if parts[0] != "C" {
		return invalid("must start with C")
	}
	if len(parts) > 4 {
		return invalid("too many levels")
	}
	indices := [3]int32{NotApplicable, NotApplicable, NotApplicable}
	for i, part := range parts[1:] {
		prefix := []string{"A", "W", "T"}[i]
		if !strings.HasPrefix(part, prefix) {
			return invalid(fmt.Sprintf("level %d must start with %s", i+1, prefix))
		}
		value := strings.TrimPrefix(part, prefix)
		if value == "*" {
			indices[i] = Wildcard
			continue
		}
		index, err := strconv.ParseInt(value, 10, 32)
		if err != nil || index < 0 {
			return invalid(fmt.Sprintf("%q is not a valid index", value))
		}
		indices[i] = int32(index)
	}
	address := fromIndices(indices)
	if err := address.Validate(); err != nil {
		return Address{}, err
	}
	return address, nil
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
