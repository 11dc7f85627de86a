package tensor

import "fmt"

// NoGrad runs fn with gradient tracking switched off on params and restores
// each parameter's previous setting afterwards. Ops whose inputs do not
// require gradients record nothing, so a computation over params (and
// untracked data) builds no graph. Only the listed tensors are touched.
func NoGrad(params []*Tensor, fn func() error) error {
	saved := make([]bool, len(params))
	for i, p := range params {
		saved[i] = p.requiresGrad
		p.requiresGrad = false
	}
	defer func() {
		for i, p := range params {
			p.requiresGrad = saved[i]
		}
	}()
	return fn()
}

// record attaches op as the creator of out when any input tracks gradients.
func record(out *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}

// Backward computes the gradient of t with respect to every leaf tensor that
// requires it, adding into the leaves' Grad. t must hold a single element.
// Intermediate gradients live only for the duration of the call, so the same
// graph can be back-propagated more than once.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a single-element tensor, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require gradients")
	}

	order := topologicalOrder(t)

	seed, _ := Ones(t.Shape)
	grads := map[*Tensor]*Tensor{t: seed}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			node.accumulateGrad(g)
			continue
		}

		inputs := node.creator.Inputs()
		inputGrads := node.creator.Backward(g)
		if len(inputGrads) != len(inputs) {
			panic(fmt.Sprintf("%T returned %d gradients for %d inputs", node.creator, len(inputGrads), len(inputs)))
		}

		for j, in := range inputs {
			ig := inputGrads[j]
			if ig == nil || !in.requiresGrad {
				continue
			}
			if ig.NumElems != in.NumElems {
				panic(fmt.Sprintf("%T produced gradient of %d elements for input of %d", node.creator, ig.NumElems, in.NumElems))
			}
			if prev, ok := grads[in]; ok {
				addInto(prev.Data, ig.Data)
			} else {
				grads[in] = ig.Clone()
			}
		}
	}

	return nil
}

func (t *Tensor) accumulateGrad(g *Tensor) {
	if t.grad == nil {
		t.grad, _ = Zeros(t.Shape)
	}
	addInto(t.grad.Data, g.Data)
}

// topologicalOrder returns the graph reachable from root with every tensor
// placed after all of its inputs.
func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		node     *Tensor
		expanded bool
	}
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
		if top.node.creator != nil {
			for _, in := range top.node.creator.Inputs() {
				if in.requiresGrad && !visited[in] {
					stack = append(stack, frame{node: in})
				}
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

// gradLike allocates a gradient tensor with the shape of ref.
func gradLike(ref *Tensor) *Tensor {
	return &Tensor{
		Shape:    append([]int(nil), ref.Shape...),
		Strides:  calculateStrides(ref.Shape),
		Data:     make([]float32, ref.NumElems),
		NumElems: ref.NumElems,
	}
}

func resultLike(ref *Tensor) *Tensor {
	return gradLike(ref)
}
