package tensor

import (
	"github.com/pkg/errors"
)

// attach wires out into the graph when any input of op requires gradients.
// When none does, op is dropped and nothing is retained for a backward pass.
func attach(out *Tensor, op Operation) *Tensor {
	for _, in := range op.Inputs() {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}

// needsGrad reports whether gradients must be produced for in.
func needsGrad(in *Tensor) bool {
	return in != nil && in.requiresGrad
}

// Backward runs reverse-mode differentiation from a scalar tensor, accumulating
// gradients into every leaf that requires them.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return errors.Wrapf(ErrShapeMismatch, "backward: expected a scalar, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return errors.New("backward: tensor does not require grad")
	}

	order := topologicalOrder(t)
	grads := map[*Tensor]*Tensor{t: MustNew(t.Shape, []float32{1})}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			node.accumulateGrad(g)
			continue
		}

		inputs := node.creator.Inputs()
		inGrads := node.creator.Backward(g)
		stored := make([]*float32, 0, len(inputs))
		for j, in := range inputs {
			if !needsGrad(in) || j >= len(inGrads) || inGrads[j] == nil {
				continue
			}
			contrib := inGrads[j]
			if prev, exists := grads[in]; exists {
				addInto(prev.Data, contrib.Data)
				continue
			}
			// Sibling gradients may share storage (e.g. both inputs of Add);
			// each pending accumulator must own its data.
			if len(contrib.Data) > 0 {
				p := &contrib.Data[0]
				for _, s := range stored {
					if s == p {
						contrib = contrib.Clone()
						p = &contrib.Data[0]
						break
					}
				}
				stored = append(stored, p)
			}
			grads[in] = contrib
		}
	}
	return nil
}

func (t *Tensor) accumulateGrad(g *Tensor) {
	if t.grad == nil {
		t.grad = MustNew(t.Shape, nil)
	}
	addInto(t.grad.Data, g.Data)
}

// topologicalOrder returns the nodes reachable from root such that every node
// appears after all of its inputs.
func topologicalOrder(root *Tensor) []*Tensor {
	type frame struct {
		node     *Tensor
		expanded bool
	}
	visited := make(map[*Tensor]bool)
	var order []*Tensor
	stack := []frame{{node: root}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if top.expanded {
			order = append(order, top.node)
			continue
		}
		if visited[top.node] {
			continue
		}
		visited[top.node] = true
		stack = append(stack, frame{node: top.node, expanded: true})
		if top.node.creator == nil {
			continue
		}
		for _, in := range top.node.creator.Inputs() {
			if needsGrad(in) && !visited[in] {
				stack = append(stack, frame{node: in})
			}
		}
	}
	return order
}

func addInto(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}
