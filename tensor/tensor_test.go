package tensor

import (
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{}, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
		{[]int{1, 5, 1, 3}, []int{15, 3, 3, 1}},
	}

	for _, test := range tests {
		result := calculateStrides(test.shape)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("calculateStrides(%v) = %v, expected %v", test.shape, result, test.expected)
		}
	}
}

func TestNew(t *testing.T) {
	t.Run("zero filled", func(t *testing.T) {
		x, err := New([]int{2, 3}, nil)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if x.NumElems != 6 || len(x.Data) != 6 {
			t.Errorf("expected 6 elements, got %d (data %d)", x.NumElems, len(x.Data))
		}
		for _, v := range x.Data {
			if v != 0 {
				t.Fatalf("expected zeros, got %v", x.Data)
			}
		}
	})

	t.Run("shares data", func(t *testing.T) {
		data := []float32{1, 2, 3, 4}
		x, err := New([]int{2, 2}, data)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		data[0] = 9
		if x.Data[0] != 9 {
			t.Error("New should use the given slice as storage")
		}
	})

	t.Run("invalid", func(t *testing.T) {
		if _, err := New([]int{2, 0}, nil); err == nil {
			t.Error("expected error for zero dimension")
		}
		if _, err := New([]int{}, nil); err == nil {
			t.Error("expected error for empty shape")
		}
		if _, err := New([]int{2, 2}, []float32{1, 2, 3}); err == nil {
			t.Error("expected error for data length mismatch")
		}
	})
}

func TestStackAndIndex(t *testing.T) {
	a := MustNew([]int{2, 2}, []float32{1, 2, 3, 4})
	b := MustNew([]int{2, 2}, []float32{5, 6, 7, 8})
	s, err := Stack([]*Tensor{a, b})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if !reflect.DeepEqual(s.Shape, []int{2, 2, 2}) {
		t.Fatalf("expected shape [2 2 2], got %v", s.Shape)
	}

	second, err := s.Index(1)
	if err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	if !reflect.DeepEqual(second.Shape, []int{1, 2, 2}) {
		t.Errorf("expected shape [1 2 2], got %v", second.Shape)
	}
	if !reflect.DeepEqual(second.Data, []float32{5, 6, 7, 8}) {
		t.Errorf("expected second item, got %v", second.Data)
	}
	if _, err := s.Index(2); err == nil {
		t.Error("expected out of range error")
	}

	c := MustNew([]int{4}, nil)
	if _, err := Stack([]*Tensor{a, c}); errors.Cause(err) != ErrShapeMismatch {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestReshape(t *testing.T) {
	x := MustNew([]int{2, 3, 4}, nil)
	tests := []struct {
		shape    []int
		expected []int
		wantErr  bool
	}{
		{[]int{6, 4}, []int{6, 4}, false},
		{[]int{-1, 12}, []int{2, 12}, false},
		{[]int{2, -1, 2}, []int{2, 6, 2}, false},
		{[]int{5, -1}, nil, true},
		{[]int{7, 4}, nil, true},
		{[]int{-1, -1}, nil, true},
	}

	for _, test := range tests {
		out, err := Reshape(x, test.shape)
		if test.wantErr {
			if err == nil {
				t.Errorf("Reshape(%v) expected error", test.shape)
			}
			continue
		}
		if err != nil {
			t.Errorf("Reshape(%v) failed: %v", test.shape, err)
			continue
		}
		if !reflect.DeepEqual(out.Shape, test.expected) {
			t.Errorf("Reshape(%v) = %v, expected %v", test.shape, out.Shape, test.expected)
		}
	}
}

func TestDetach(t *testing.T) {
	x := MustNew([]int{2}, []float32{1, 2})
	x.SetRequiresGrad(true)
	y := Scale(x, 2)
	if !y.RequiresGrad() || y.IsLeaf() {
		t.Fatal("scaled tensor should be part of the graph")
	}

	d := y.Detach()
	if d.RequiresGrad() || !d.IsLeaf() {
		t.Error("detached tensor should be a leaf without gradient")
	}
	z := Scale(d, 3)
	if z.RequiresGrad() {
		t.Error("operations on detached tensors should not record a graph")
	}
}

func TestDevice(t *testing.T) {
	tests := []struct {
		useCUDA bool
		idx     int
		name    string
		wantErr bool
	}{
		{false, 1, "cpu", false},
		{true, 1, "cuda:1", true},
		{true, 0, "cuda:0", true},
	}

	for _, test := range tests {
		d := SelectDevice(test.useCUDA, test.idx)
		if d.String() != test.name {
			t.Errorf("SelectDevice(%t, %d) = %s, expected %s", test.useCUDA, test.idx, d, test.name)
		}
		err := d.Validate()
		if test.wantErr && errors.Cause(err) != ErrDeviceUnavailable {
			t.Errorf("%s: expected ErrDeviceUnavailable, got %v", d, err)
		}
		if !test.wantErr && err != nil {
			t.Errorf("%s: unexpected error %v", d, err)
		}
	}
}
