package training

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownJoinPolicy is returned by ParseJoinPolicy for unrecognized names.
var ErrUnknownJoinPolicy = errors.New("unknown join policy")

// JoinPolicy decides how two loaders are interleaved.
type JoinPolicy int

const (
	// JoinAlternate takes one batch from each loader in turn and, once one
	// loader is exhausted, yields the rest of the other.
	JoinAlternate JoinPolicy = iota
	// JoinZipShortest takes one batch from each loader in turn and stops
	// after 2*min(len(a), len(b)) batches.
	JoinZipShortest
)

var joinPolicyNames = map[JoinPolicy]string{
	JoinAlternate:   "alternate",
	JoinZipShortest: "zip",
}

func (p JoinPolicy) String() string {
	if name, ok := joinPolicyNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParseJoinPolicy maps "alternate" or "zip" to a JoinPolicy.
func ParseJoinPolicy(name string) (JoinPolicy, error) {
	for p, n := range joinPolicyNames {
		if strings.EqualFold(n, name) {
			return p, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownJoinPolicy, "%q (valid: alternate, zip)", name)
}

// JoinedLoader presents two loaders as one. A batch always comes whole from
// one loader, so batches never mix the two loaders' image shapes.
type JoinedLoader struct {
	first, second Loader
	policy        JoinPolicy
}

// NewJoinedLoader joins first and second; first supplies the opening batch.
func NewJoinedLoader(first, second Loader, policy JoinPolicy) (*JoinedLoader, error) {
	if _, ok := joinPolicyNames[policy]; !ok {
		return nil, errors.Wrapf(ErrUnknownJoinPolicy, "policy %d", int(policy))
	}
	return &JoinedLoader{first: first, second: second, policy: policy}, nil
}

// Len returns the number of batches an epoch yields.
func (j *JoinedLoader) Len() int {
	a, b := j.first.Len(), j.second.Len()
	if j.policy == JoinZipShortest {
		return 2 * min(a, b)
	}
	return a + b
}

// Iterate starts a new epoch on both loaders.
func (j *JoinedLoader) Iterate(ctx context.Context) Iterator {
	it := &joinedIterator{
		its:    [2]Iterator{j.first.Iterate(ctx), j.second.Iterate(ctx)},
		policy: j.policy,
		limit:  -1,
	}
	if j.policy == JoinZipShortest {
		it.limit = j.Len()
	}
	return it
}

type joinedIterator struct {
	its     [2]Iterator
	done    [2]bool
	turn    int
	policy  JoinPolicy
	limit   int // batches left for zip; -1 when unbounded
	emitted int
}

func (it *joinedIterator) Next() (*Batch, error) {
	if it.limit >= 0 && it.emitted >= it.limit {
		return nil, nil
	}
	for tries := 0; tries < 2; tries++ {
		cur := it.turn
		it.turn = 1 - cur
		if it.done[cur] {
			continue
		}
		b, err := it.its[cur].Next()
		if err != nil {
			return nil, err
		}
		if b == nil {
			it.done[cur] = true
			if it.policy == JoinZipShortest {
				return nil, nil
			}
			continue
		}
		it.emitted++
		return b, nil
	}
	return nil, nil
}

func (it *joinedIterator) Close() {
	for _, sub := range it.its {
		sub.Close()
	}
}
