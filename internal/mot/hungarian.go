// Package mot runs ByteTrack-style multi-object tracking over decoded clip
// frames, producing per-object video tracks with monotonically increasing
// trajectory timestamps.
package mot

import "math"

// assign solves optimal detection-to-track assignment with the Kuhn–Munkres
// algorithm (Jonker–Volgenant potentials variant, O(n³)). The cost matrix
// entry cost[i][j] is 1 − IoU(track i, detection j); entries at or above
// forbiddenCost are never selected, which is how the association gate is
// enforced. Returns per-row column indices, -1 for unassigned rows.

const forbiddenCost = 1e9

func assign(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	m := len(cost[0])
	out := make([]int, n)
	if m == 0 {
		for i := range out {
			out[i] = -1
		}
		return out
	}

	// Pad to square; padded cells are forbidden so extra rows or columns
	// stay unmatched.
	dim := n
	if m > dim {
		dim = m
	}
	c := make([][]float64, dim)
	for i := range c {
		c[i] = make([]float64, dim)
		for j := range c[i] {
			if i < n && j < m {
				c[i][j] = cost[i][j]
			} else {
				c[i][j] = forbiddenCost
			}
		}
	}

	const inf = math.MaxFloat64 / 2
	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	assigned := make([]int, dim+1) // assigned[j] = row matched to column j
	prev := make([]int, dim+1)    // prev[j] = previous column on the augmenting path
	slack := make([]float64, dim+1)
	visited := make([]bool, dim+1)

	for row := 1; row <= dim; row++ {
		assigned[0] = row
		j0 := 0
		for j := 1; j <= dim; j++ {
			slack[j] = inf
			visited[j] = false
		}

		for {
			visited[j0] = true
			i0 := assigned[j0]
			delta := inf
			j1 := -1
			for j := 1; j <= dim; j++ {
				if visited[j] {
					continue
				}
				reduced := c[i0-1][j-1] - u[i0] - v[j]
				if reduced < slack[j] {
					slack[j] = reduced
					prev[j] = j0
				}
				if slack[j] < delta {
					delta = slack[j]
					j1 = j
				}
			}
			if j1 < 0 {
				break
			}
			for j := 0; j <= dim; j++ {
				if visited[j] {
					u[assigned[j]] += delta
					v[j] -= delta
				} else {
					slack[j] -= delta
				}
			}
			j0 = j1
			if assigned[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			assigned[j0] = assigned[prev[j0]]
			j0 = prev[j0]
		}
	}

	rows := make([]int, dim)
	for i := range rows {
		rows[i] = -1
	}
	for j := 1; j <= dim; j++ {
		if assigned[j] > 0 {
			rows[assigned[j]-1] = j - 1
		}
	}
	for i := 0; i < n; i++ {
		col := rows[i]
		if col < 0 || col >= m || cost[i][col] >= forbiddenCost {
			out[i] = -1
		} else {
			out[i] = col
		}
	}
	return out
}
