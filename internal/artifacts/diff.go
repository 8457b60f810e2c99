package artifacts

import "github.com/pmezard/go-difflib/difflib"

// Diff renders a unified diff between two content snapshots. Pure function,
// no I/O.
func Diff(oldContent, newContent string) string {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldContent),
		B:        difflib.SplitLines(newContent),
		FromFile: "original",
		ToFile:   "modified",
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		// SplitLines never produces inputs the differ rejects.
		return ""
	}
	return out
}
