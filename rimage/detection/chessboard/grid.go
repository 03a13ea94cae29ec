package chessboard

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/rimage"
	"go.viam.com/rigcalib/rimage/transform"
)

// convexHull returns the indices of the hull vertices of pts with Andrew's monotone chain,
// dropping collinear points.
func convexHull(pts []r2.Point) []int {
	idx := make([]int, len(pts))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		pa, pb := pts[idx[a]], pts[idx[b]]
		if pa.X != pb.X {
			return pa.X < pb.X
		}
		return pa.Y < pb.Y
	})
	if len(idx) < 3 {
		return idx
	}
	cross := func(o, a, b r2.Point) float64 {
		return a.Sub(o).Cross(b.Sub(o))
	}
	hull := make([]int, 0, 2*len(idx))
	for _, i := range idx {
		for len(hull) >= 2 && cross(pts[hull[len(hull)-2]], pts[hull[len(hull)-1]], pts[i]) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, i)
	}
	lower := len(hull) + 1
	for k := len(idx) - 2; k >= 0; k-- {
		i := idx[k]
		for len(hull) >= lower && cross(pts[hull[len(hull)-2]], pts[hull[len(hull)-1]], pts[i]) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, i)
	}
	return hull[:len(hull)-1]
}

// hullCorners picks the four sharpest hull vertices, returned in hull order.
func hullCorners(pts []r2.Point, hull []int) ([]int, error) {
	if len(hull) < 4 {
		return nil, errors.Errorf("hull has %d vertices, need at least 4", len(hull))
	}
	type vertex struct {
		pos   int
		angle float64
	}
	vertices := make([]vertex, len(hull))
	n := len(hull)
	for k := range hull {
		prev := pts[hull[(k+n-1)%n]].Sub(pts[hull[k]])
		next := pts[hull[(k+1)%n]].Sub(pts[hull[k]])
		angle := math.Atan2(math.Abs(prev.Cross(next)), prev.Dot(next))
		vertices[k] = vertex{pos: k, angle: angle}
	}
	sort.SliceStable(vertices, func(a, b int) bool { return vertices[a].angle < vertices[b].angle })
	positions := []int{vertices[0].pos, vertices[1].pos, vertices[2].pos, vertices[3].pos}
	sort.Ints(positions)
	out := make([]int, 4)
	for k, p := range positions {
		out[k] = hull[p]
	}
	return out, nil
}

// gridAssignment is one way of laying the rows x cols grid onto the candidates.
type gridAssignment struct {
	gridToImage *transform.Homography
	cells       []int // candidate index per grid node, row major
	darkScore   float64
	origin      r2.Point
}

// assignGrid orders candidates as the row major inner corners of a rows x cols board. The four
// outer corners come from the convex hull; every assignment of them to the grid corners that
// snaps all candidates onto distinct nodes with a right handed layout is kept, and the one with a
// dark square next to its origin wins, ties going to the origin nearest the image top left.
// img is used for the color test and should be smoothed.
func assignGrid(candidates []r2.Point, rows, cols int, tolerance float64, img *mat.Dense) ([]r2.Point, error) {
	if len(candidates) != rows*cols {
		return nil, errors.Errorf("have %d candidates for a %dx%d grid", len(candidates), cols, rows)
	}
	corners, err := hullCorners(candidates, convexHull(candidates))
	if err != nil {
		return nil, err
	}
	gridCorners := []r2.Point{
		{X: 0, Y: 0},
		{X: float64(cols - 1), Y: 0},
		{X: float64(cols - 1), Y: float64(rows - 1)},
		{X: 0, Y: float64(rows - 1)},
	}
	var valid []*gridAssignment
	for start := 0; start < 4; start++ {
		for _, dir := range []int{1, -1} {
			imageCorners := make([]r2.Point, 4)
			for k := 0; k < 4; k++ {
				imageCorners[k] = candidates[corners[((start+dir*k)%4+4)%4]]
			}
			a, err := fitGrid(candidates, gridCorners, imageCorners, rows, cols, tolerance)
			if err != nil {
				continue
			}
			a.darkScore = darkOriginScore(img, a.gridToImage)
			a.origin = candidates[a.cells[0]]
			valid = append(valid, a)
		}
	}
	if len(valid) == 0 {
		return nil, errors.New("candidates do not form a regular grid")
	}
	best := valid[0]
	for _, a := range valid[1:] {
		if betterAssignment(a, best) {
			best = a
		}
	}
	out := make([]r2.Point, len(best.cells))
	for k, c := range best.cells {
		out[k] = candidates[c]
	}
	return out, nil
}

func betterAssignment(a, b *gridAssignment) bool {
	aDark, bDark := a.darkScore > 0, b.darkScore > 0
	if aDark != bDark {
		return aDark
	}
	if !aDark {
		return a.darkScore > b.darkScore
	}
	return a.origin.X+a.origin.Y < b.origin.X+b.origin.Y
}

// fitGrid snaps every candidate to the grid through the homography of the corner assignment,
// refitting the homography on all snapped points to absorb lens distortion.
func fitGrid(candidates, gridCorners, imageCorners []r2.Point, rows, cols int, tolerance float64) (*gridAssignment, error) {
	h, err := transform.EstimateHomography(gridCorners, imageCorners)
	if err != nil {
		return nil, err
	}
	if !rightHanded(h, rows, cols) {
		return nil, errors.New("assignment mirrors the grid")
	}
	// a loose first pass, only to get enough points for a full refit
	cells, err := snapToGrid(candidates, h, rows, cols, 0.45, false)
	if err != nil {
		return nil, err
	}
	for iter := 0; iter < 3; iter++ {
		var src, dst []r2.Point
		for node, c := range cells {
			if c < 0 {
				continue
			}
			src = append(src, r2.Point{X: float64(node % cols), Y: float64(node / cols)})
			dst = append(dst, candidates[c])
		}
		if h, err = transform.EstimateHomography(src, dst); err != nil {
			return nil, err
		}
		strict := iter == 2
		if cells, err = snapToGrid(candidates, h, rows, cols, tolerance, strict); err != nil {
			if strict {
				return nil, err
			}
			if cells, err = snapToGrid(candidates, h, rows, cols, 0.45, false); err != nil {
				return nil, err
			}
		}
	}
	if !rightHanded(h, rows, cols) {
		return nil, errors.New("assignment mirrors the grid")
	}
	return &gridAssignment{gridToImage: h, cells: cells}, nil
}

// snapToGrid maps candidates to grid nodes through the inverse of gridToImage. With strict every
// node must receive exactly one candidate within tolerance; otherwise conflicting or distant
// candidates are left out and only a minimum of 8 matched nodes is required.
func snapToGrid(candidates []r2.Point, gridToImage *transform.Homography, rows, cols int, tolerance float64, strict bool) ([]int, error) {
	inv, err := gridToImage.Inverse()
	if err != nil {
		return nil, err
	}
	cells := make([]int, rows*cols)
	for k := range cells {
		cells[k] = -1
	}
	conflicts := make(map[int]bool)
	for c, pt := range candidates {
		g := inv.Apply(pt)
		gx, gy := math.Round(g.X), math.Round(g.Y)
		if math.Abs(g.X-gx) > tolerance || math.Abs(g.Y-gy) > tolerance ||
			gx < 0 || gy < 0 || gx >= float64(cols) || gy >= float64(rows) {
			if strict {
				return nil, errors.Errorf("candidate at (%.1f, %.1f) is off the grid", pt.X, pt.Y)
			}
			continue
		}
		node := int(gy)*cols + int(gx)
		if cells[node] >= 0 {
			if strict {
				return nil, errors.Errorf("two candidates snap to grid node (%d, %d)", int(gx), int(gy))
			}
			conflicts[node] = true
			continue
		}
		cells[node] = c
	}
	matched := 0
	for node := range cells {
		if conflicts[node] {
			cells[node] = -1
		}
		if cells[node] >= 0 {
			matched++
		}
	}
	if matched < 8 {
		return nil, errors.Errorf("only %d candidates snap to the grid", matched)
	}
	return cells, nil
}

// rightHanded reports whether the grid x and y steps at the grid center turn clockwise on screen,
// which keeps grid x increasing to the right when y increases downwards.
func rightHanded(h *transform.Homography, rows, cols int) bool {
	c := r2.Point{X: float64(cols-1) / 2, Y: float64(rows-1) / 2}
	o := h.Apply(c)
	ex := h.Apply(c.Add(r2.Point{X: 1})).Sub(o)
	ey := h.Apply(c.Add(r2.Point{Y: 1})).Sub(o)
	return ex.Cross(ey) > 0
}

// darkOriginScore is positive when the square between grid nodes (0,0), (1,0), (0,1) and (1,1)
// is darker than its two grid neighbours.
func darkOriginScore(img *mat.Dense, h *transform.Homography) float64 {
	sample := func(x, y float64) float64 {
		p := h.Apply(r2.Point{X: x, Y: y})
		return rimage.BilinearInterpolationClamped(img, p.X, p.Y)
	}
	inside := sample(0.5, 0.5)
	return (sample(1.5, 0.5)+sample(0.5, 1.5))/2 - inside
}

// orientGrid reorders a complete row major grid found by another detector to the convention of
// assignGrid: right handed, dark square at the origin, ties to the origin nearest the top left.
func orientGrid(corners []r2.Point, rows, cols int, img *mat.Dense) ([]r2.Point, error) {
	if len(corners) != rows*cols {
		return nil, errors.Errorf("have %d corners for a %dx%d grid", len(corners), cols, rows)
	}
	nodes := make([]r2.Point, rows*cols)
	for k := range nodes {
		nodes[k] = r2.Point{X: float64(k % cols), Y: float64(k / cols)}
	}
	orderings := map[string]func(x, y int) int{
		"identity": func(x, y int) int { return y*cols + x },
		"reversed": func(x, y int) int { return (rows-1-y)*cols + (cols - 1 - x) },
		"mirror_x": func(x, y int) int { return y*cols + (cols - 1 - x) },
		"mirror_y": func(x, y int) int { return (rows-1-y)*cols + x },
	}
	var best *gridAssignment
	for _, name := range []string{"identity", "reversed", "mirror_x", "mirror_y"} {
		source := orderings[name]
		cells := make([]int, rows*cols)
		dst := make([]r2.Point, rows*cols)
		for k := range cells {
			cells[k] = source(k%cols, k/cols)
			dst[k] = corners[cells[k]]
		}
		h, err := transform.EstimateHomography(nodes, dst)
		if err != nil || !rightHanded(h, rows, cols) {
			continue
		}
		a := &gridAssignment{gridToImage: h, cells: cells, darkScore: darkOriginScore(img, h), origin: dst[0]}
		if best == nil || betterAssignment(a, best) {
			best = a
		}
	}
	if best == nil {
		return nil, errors.New("corners do not form a regular grid")
	}
	out := make([]r2.Point, len(best.cells))
	for k, c := range best.cells {
		out[k] = corners[c]
	}
	return out, nil
}
