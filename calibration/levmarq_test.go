package calibration

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

// rosenbrock as the least squares problem r = (1 - x, 10*(y - x²)).
func rosenbrock() *blockProblem {
	return &blockProblem{
		numParams: 2,
		blocks: []residualBlock{{
			params: []int{0, 1},
			size:   2,
			eval: func(p, out []float64) bool {
				out[0] = 1 - p[0]
				out[1] = 10 * (p[1] - p[0]*p[0])
				return true
			},
		}},
	}
}

func TestLevenbergMarquardtRosenbrock(t *testing.T) {
	res, err := levenbergMarquardt(context.Background(), rosenbrock(), []float64{-1.2, 1}, DefaultTermCriteria)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Converged, test.ShouldBeTrue)
	test.That(t, res.X[0], test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, res.X[1], test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, res.Cost, test.ShouldBeLessThan, 1e-12)
}

func TestLevenbergMarquardtFixedAndCapped(t *testing.T) {
	prob := rosenbrock()
	prob.fixed = []bool{true, false}
	res, err := levenbergMarquardt(context.Background(), prob, []float64{0.5, 3}, DefaultTermCriteria)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.X[0], test.ShouldEqual, 0.5)
	test.That(t, res.X[1], test.ShouldAlmostEqual, 0.25, 1e-8)

	res, err = levenbergMarquardt(context.Background(), rosenbrock(), []float64{-1.2, 1}, TermCriteria{MaxIterations: 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Iterations, test.ShouldEqual, 1)
	test.That(t, res.Converged, test.ShouldBeFalse)
}

func TestLevenbergMarquardtFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := levenbergMarquardt(ctx, rosenbrock(), []float64{-1.2, 1}, DefaultTermCriteria)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)

	flat := &blockProblem{numParams: 1, blocks: []residualBlock{{
		params: []int{0}, size: 1,
		eval: func(p, out []float64) bool { out[0] = 3; return true },
	}}}
	_, err = levenbergMarquardt(context.Background(), flat, []float64{0}, DefaultTermCriteria)
	test.That(t, errors.Is(err, ErrDegenerateGeometry), test.ShouldBeTrue)

	undefined := &blockProblem{numParams: 1, blocks: []residualBlock{{
		params: []int{0}, size: 1,
		eval: func(p, out []float64) bool { out[0] = p[0]; return !math.Signbit(p[0]) },
	}}}
	_, err = levenbergMarquardt(context.Background(), undefined, []float64{-1}, DefaultTermCriteria)
	test.That(t, errors.Is(err, ErrDegenerateGeometry), test.ShouldBeTrue)

	test.That(t, TermCriteria{MaxIterations: 0}.Validate("x"), test.ShouldNotBeNil)
	test.That(t, TermCriteria{MaxIterations: 5, Epsilon: -1}.Validate("x"), test.ShouldNotBeNil)
	test.That(t, DefaultTermCriteria.Validate("x"), test.ShouldBeNil)
}
