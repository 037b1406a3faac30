package training

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/tensor"
)

// countingLoader yields n one-sample batches whose single value is
// id*100 + batch number.
type countingLoader struct {
	id, n int
}

func (l countingLoader) Len() int { return l.n }

func (l countingLoader) Iterate(ctx context.Context) Iterator {
	return &countingIterator{loader: l}
}

type countingIterator struct {
	loader countingLoader
	next   int
	closed bool
}

func (it *countingIterator) Next() (*Batch, error) {
	if it.next >= it.loader.n {
		return nil, nil
	}
	v := float32(it.loader.id*100 + it.next)
	it.next++
	return &Batch{Images: tensor.MustNew([]int{1, 1}, []float32{v})}, nil
}

func (it *countingIterator) Close() { it.closed = true }

func drain(t *testing.T, l Loader) []int {
	t.Helper()
	it := l.Iterate(context.Background())
	defer it.Close()
	var out []int
	for {
		b, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if b == nil {
			return out
		}
		out = append(out, int(b.Images.Data[0]))
	}
}

func TestJoinedLoader(t *testing.T) {
	tests := []struct {
		name          string
		first, second int
		policy        JoinPolicy
		wantLen       int
		wantPrefix    []int
	}{
		{"alternate 5 7", 5, 7, JoinAlternate, 12, []int{100, 200, 101, 201}},
		{"alternate 7 5", 7, 5, JoinAlternate, 12, []int{100, 200}},
		{"zip 5 7", 5, 7, JoinZipShortest, 10, []int{100, 200, 101, 201}},
		{"zip 7 5", 7, 5, JoinZipShortest, 10, []int{100, 200}},
		{"alternate empty second", 3, 0, JoinAlternate, 3, []int{100, 101, 102}},
		{"zip empty second", 3, 0, JoinZipShortest, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := NewJoinedLoader(countingLoader{1, tt.first}, countingLoader{2, tt.second}, tt.policy)
			if err != nil {
				t.Fatal(err)
			}
			if j.Len() != tt.wantLen {
				t.Errorf("Len() = %d, want %d", j.Len(), tt.wantLen)
			}
			got := drain(t, j)
			if len(got) != tt.wantLen {
				t.Errorf("yielded %d batches, want %d: %v", len(got), tt.wantLen, got)
			}
			for i, v := range tt.wantPrefix {
				if i >= len(got) || got[i] != v {
					t.Errorf("batch %d = %v, want %d", i, got, v)
					break
				}
			}
			seen := map[int]bool{}
			for _, v := range got {
				if seen[v] {
					t.Errorf("batch %d yielded twice", v)
				}
				seen[v] = true
			}
		})
	}
}

func TestJoinedLoaderIsRepeatable(t *testing.T) {
	j, _ := NewJoinedLoader(countingLoader{1, 2}, countingLoader{2, 3}, JoinAlternate)
	a, b := drain(t, j), drain(t, j)
	if len(a) != 5 || len(b) != 5 {
		t.Errorf("epochs yielded %d and %d batches", len(a), len(b))
	}
}

func TestParseJoinPolicy(t *testing.T) {
	for _, name := range []string{"alternate", "zip", "ZIP"} {
		if _, err := ParseJoinPolicy(name); err != nil {
			t.Errorf("ParseJoinPolicy(%q): %v", name, err)
		}
	}
	if _, err := ParseJoinPolicy("round-robin"); !errors.Is(err, ErrUnknownJoinPolicy) {
		t.Errorf("expected ErrUnknownJoinPolicy, got %v", err)
	}
	if _, err := NewJoinedLoader(countingLoader{}, countingLoader{}, JoinPolicy(9)); !errors.Is(err, ErrUnknownJoinPolicy) {
		t.Errorf("expected ErrUnknownJoinPolicy, got %v", err)
	}
	if JoinZipShortest.String() != "zip" || JoinPolicy(9).String() != "unknown" {
		t.Error("unexpected policy names")
	}
}
