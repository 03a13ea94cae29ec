package calibration

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/utils"
)

// TermCriteria bounds the nonlinear refinement: it stops after MaxIterations or once the
// relative parameter step or relative cost decrease falls below Epsilon, whichever comes first.
type TermCriteria struct {
	MaxIterations int     `json:"max_iterations"`
	Epsilon       float64 `json:"epsilon"`
}

// DefaultTermCriteria is used when a calibrator is given none.
var DefaultTermCriteria = TermCriteria{MaxIterations: 100, Epsilon: 1e-10}

// Validate ensures the criteria can terminate.
func (tc TermCriteria) Validate(path string) error {
	if tc.MaxIterations < 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("max_iterations must be at least 1, got %d", tc.MaxIterations))
	}
	if tc.Epsilon < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("epsilon must be non negative, got %v", tc.Epsilon))
	}
	return nil
}

// residualBlock is a group of residuals depending on a few parameters of a larger problem, like
// the reprojections of one view.
type residualBlock struct {
	params []int // indices into the full parameter vector
	size   int
	// eval writes the residuals for the local parameter values and reports whether they are
	// defined, a point behind a camera making them undefined.
	eval func(local, residuals []float64) bool
}

// blockProblem is a sparse least squares problem: the cost is the sum of squared residuals of
// blocks that each see a handful of parameters.
type blockProblem struct {
	numParams int
	blocks    []residualBlock
	fixed     []bool
}

func (p *blockProblem) localParams(b *residualBlock, x []float64) []float64 {
	local := make([]float64, len(b.params))
	for k, g := range b.params {
		local[k] = x[g]
	}
	return local
}

// Residuals evaluates every block, returning ok == false if any is undefined.
func (p *blockProblem) Residuals(x []float64) ([][]float64, bool) {
	out := make([][]float64, len(p.blocks))
	for i := range p.blocks {
		b := &p.blocks[i]
		out[i] = make([]float64, b.size)
		if !b.eval(p.localParams(b, x), out[i]) {
			return nil, false
		}
	}
	return out, true
}

// Cost is the sum of squared residuals, +Inf where undefined.
func (p *blockProblem) Cost(x []float64) float64 {
	res, ok := p.Residuals(x)
	if !ok {
		return math.Inf(1)
	}
	cost := 0.
	for _, r := range res {
		cost += floats.Dot(r, r)
	}
	return cost
}

// Normal fills the Gauss-Newton normal equations J^T*J and J^T*r at x, differentiating every
// block with central differences, and returns the cost.
func (p *blockProblem) Normal(x []float64, jtj *mat.SymDense, jtr []float64) (float64, error) {
	type blockJac struct {
		res []float64
		jac [][]float64 // per local parameter, d residuals / d param
		ok  bool
	}
	jacs := make([]blockJac, len(p.blocks))
	utils.ParallelForEachRow(len(p.blocks), func(i int) {
		b := &p.blocks[i]
		local := p.localParams(b, x)
		res := make([]float64, b.size)
		if !b.eval(local, res) {
			return
		}
		jac := make([][]float64, len(local))
		plus := make([]float64, b.size)
		minus := make([]float64, b.size)
		for k := range local {
			column := make([]float64, b.size)
			jac[k] = column
			if p.fixed != nil && p.fixed[b.params[k]] {
				continue
			}
			orig := local[k]
			h := 1e-6 * math.Max(math.Abs(orig), 1)
			local[k] = orig + h
			okPlus := b.eval(local, plus)
			local[k] = orig - h
			okMinus := b.eval(local, minus)
			local[k] = orig
			if !okPlus || !okMinus {
				return
			}
			for r := range column {
				column[r] = (plus[r] - minus[r]) / (2 * h)
			}
		}
		jacs[i] = blockJac{res: res, jac: jac, ok: true}
	})

	jtj.Zero()
	for i := range jtr {
		jtr[i] = 0
	}
	cost := 0.
	for i, bj := range jacs {
		if !bj.ok {
			return math.Inf(1), errors.Errorf("residual block %d is undefined at the current estimate", i)
		}
		b := &p.blocks[i]
		cost += floats.Dot(bj.res, bj.res)
		for a, ga := range b.params {
			jtr[ga] += floats.Dot(bj.jac[a], bj.res)
			for c := a; c < len(b.params); c++ {
				gc := b.params[c]
				v := floats.Dot(bj.jac[a], bj.jac[c])
				if ga == gc {
					jtj.SetSym(ga, ga, jtj.At(ga, ga)+v)
				} else {
					// SetSym mirrors, so each off diagonal pair is added once
					jtj.SetSym(ga, gc, jtj.At(ga, gc)+v)
				}
			}
		}
	}
	return cost, nil
}

// lmResult is the outcome of a Levenberg-Marquardt run.
type lmResult struct {
	X          []float64
	Cost       float64
	Iterations int
	Converged  bool
}

// levenbergMarquardt minimizes the problem's cost from x0 with Marquardt's diagonal damping.
// Fixed parameters never move. Converged is false when the iteration cap was hit first.
func levenbergMarquardt(ctx context.Context, prob *blockProblem, x0 []float64, crit TermCriteria) (*lmResult, error) {
	n := prob.numParams
	x := make([]float64, n)
	copy(x, x0)
	jtj := mat.NewSymDense(n, nil)
	jtr := make([]float64, n)
	cost, err := prob.Normal(x, jtj, jtr)
	if err != nil {
		return nil, errors.Wrap(ErrDegenerateGeometry, err.Error())
	}
	maxDiag := 0.
	for i := 0; i < n; i++ {
		maxDiag = math.Max(maxDiag, jtj.At(i, i))
	}
	if maxDiag == 0 {
		return nil, errors.Wrap(ErrDegenerateGeometry, "cost does not depend on the parameters")
	}
	lambda := 1e-3
	res := &lmResult{X: x, Cost: cost}
	for res.Iterations < crit.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Iterations++

		step, newX, newCost, accepted := dampedStep(prob, x, jtj, jtr, cost, maxDiag, &lambda)
		if !accepted {
			// no damping improves the cost, we are at a minimum to numerical precision
			res.Converged = true
			break
		}
		relStep := floats.Norm(step, 2) / (floats.Norm(x, 2) + crit.Epsilon)
		relCost := (cost - newCost) / math.Max(cost, math.SmallestNonzeroFloat64)
		x, cost = newX, newCost
		res.X, res.Cost = x, cost
		if relStep <= crit.Epsilon || relCost <= crit.Epsilon || cost == 0 {
			res.Converged = true
			break
		}
		if cost, err = prob.Normal(x, jtj, jtr); err != nil {
			return nil, errors.Wrap(ErrDegenerateGeometry, err.Error())
		}
	}
	for _, v := range res.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.Wrap(ErrDegenerateGeometry, "refinement diverged")
		}
	}
	return res, nil
}

// dampedStep solves (J^T*J + lambda*diag(J^T*J)) * step = -J^T*r, raising lambda until the cost
// decreases. lambda is lowered after a success.
func dampedStep(
	prob *blockProblem,
	x []float64,
	jtj *mat.SymDense,
	jtr []float64,
	cost, maxDiag float64,
	lambda *float64,
) ([]float64, []float64, float64, bool) {
	n := len(x)
	floor := 1e-12 * maxDiag
	a := mat.NewSymDense(n, nil)
	rhs := mat.NewVecDense(n, nil)
	for attempt := 0; attempt < 12; attempt++ {
		a.CopySym(jtj)
		for i := 0; i < n; i++ {
			if prob.fixed != nil && prob.fixed[i] {
				for j := 0; j < n; j++ {
					if j != i {
						a.SetSym(i, j, 0)
					}
				}
				a.SetSym(i, i, 1)
				rhs.SetVec(i, 0)
				continue
			}
			d := math.Max(jtj.At(i, i), floor)
			a.SetSym(i, i, jtj.At(i, i)+*lambda*d)
			rhs.SetVec(i, -jtr[i])
		}
		var chol mat.Cholesky
		if ok := chol.Factorize(a); !ok {
			*lambda *= 10
			continue
		}
		var delta mat.VecDense
		if err := chol.SolveVecTo(&delta, rhs); err != nil {
			*lambda *= 10
			continue
		}
		step := make([]float64, n)
		newX := make([]float64, n)
		for i := range step {
			step[i] = delta.AtVec(i)
			newX[i] = x[i] + step[i]
		}
		newCost := prob.Cost(newX)
		if newCost < cost {
			*lambda = math.Max(*lambda/10, 1e-12)
			return step, newX, newCost, true
		}
		*lambda *= 10
	}
	return nil, nil, cost, false
}
