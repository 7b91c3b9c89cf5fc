// Package diff computes line-level differences between two texts.
package diff

import "strings"

const (
	Unchanged = "unchanged"
	Added     = "added"
	Removed   = "removed"
)

// Line is a single line in a diff. OldLine and NewLine are 1-based; zero means
// the line does not exist on that side.
type Line struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

// Lines diffs old against new line by line using an LCS table. Common leading
// and trailing lines are matched before the table is built.
func Lines(oldContent, newContent string) []Line {
	oldLines := strings.Split(oldContent, "\n")
	newLines := strings.Split(newContent, "\n")

	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldLines)-prefix && suffix < len(newLines)-prefix &&
		oldLines[len(oldLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}

	result := make([]Line, 0, len(newLines))
	for i := 0; i < prefix; i++ {
		result = append(result, Line{Type: Unchanged, Content: oldLines[i], OldLine: i + 1, NewLine: i + 1})
	}

	oldMid := oldLines[prefix : len(oldLines)-suffix]
	newMid := newLines[prefix : len(newLines)-suffix]
	result = append(result, backtrack(oldMid, newMid, lcsMatrix(oldMid, newMid), prefix)...)

	for i := suffix; i > 0; i-- {
		oi := len(oldLines) - i
		ni := len(newLines) - i
		result = append(result, Line{Type: Unchanged, Content: oldLines[oi], OldLine: oi + 1, NewLine: ni + 1})
	}
	return result
}

// Changed reports whether the diff holds anything but unchanged lines.
func Changed(lines []Line) bool {
	for _, l := range lines {
		if l.Type != Unchanged {
			return true
		}
	}
	return false
}

func lcsMatrix(a, b []string) [][]int {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else {
				dp[i][j] = max(dp[i-1][j], dp[i][j-1])
			}
		}
	}
	return dp
}

func backtrack(oldLines, newLines []string, lcs [][]int, offset int) []Line {
	i, j := len(oldLines), len(newLines)

	var stack []Line
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && oldLines[i-1] == newLines[j-1]:
			stack = append(stack, Line{Type: Unchanged, Content: oldLines[i-1], OldLine: offset + i, NewLine: offset + j})
			i--
			j--
		case j > 0 && (i == 0 || lcs[i][j-1] >= lcs[i-1][j]):
			stack = append(stack, Line{Type: Added, Content: newLines[j-1], NewLine: offset + j})
			j--
		default:
			stack = append(stack, Line{Type: Removed, Content: oldLines[i-1], OldLine: offset + i})
			i--
		}
	}

	result := make([]Line, 0, len(stack))
	for k := len(stack) - 1; k >= 0; k-- {
		result = append(result, stack[k])
	}
	return result
}
