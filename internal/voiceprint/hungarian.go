package voiceprint

import "math"

// Solve returns the minimum-cost assignment for a rectangular cost matrix.
// The result has one entry per row: the assigned column, or -1 when there are
// more rows than columns and the row was left unassigned. No column is used
// twice. Ties resolve to the same answer on every call for the same matrix.
func Solve(cost [][]float64) []int {
	rows := len(cost)
	if rows == 0 {
		return []int{}
	}
	cols := len(cost[0])
	if cols == 0 {
		out := make([]int, rows)
		for i := range out {
			out[i] = -1
		}
		return out
	}
	if rows <= cols {
		return solveWide(cost)
	}

	// Transpose so the solver always sees rows <= cols.
	t := make([][]float64, cols)
	for j := range t {
		t[j] = make([]float64, rows)
		for i := 0; i < rows; i++ {
			t[j][i] = cost[i][j]
		}
	}
	colToRow := solveWide(t)
	out := make([]int, rows)
	for i := range out {
		out[i] = -1
	}
	for j, i := range colToRow {
		out[i] = j
	}
	return out
}

// solveWide is the potentials form of the Hungarian algorithm for n <= m,
// O(n^2 m). Indexing is 1-based internally with column 0 as a sentinel.
func solveWide(a [][]float64) []int {
	n, m := len(a), len(a[0])
	u := make([]float64, n+1)
	v := make([]float64, m+1)
	p := make([]int, m+1) // p[j]: row matched to column j
	way := make([]int, m+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, m+1)
		used := make([]bool, m+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= m; j++ {
				if used[j] {
					continue
				}
				cur := a[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= m; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		for {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
			if j0 == 0 {
				break
			}
		}
	}

	out := make([]int, n)
	for j := 1; j <= m; j++ {
		if p[j] != 0 {
			out[p[j]-1] = j - 1
		}
	}
	return out
}

// TotalCost sums cost over an assignment returned by Solve.
func TotalCost(cost [][]float64, assignment []int) float64 {
	var total float64
	for i, j := range assignment {
		if j >= 0 {
			total += cost[i][j]
		}
	}
	return total
}
