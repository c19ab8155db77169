package service

import (
	"fmt"
	"strings"

	"clausebase/internal/document/model"
)

// ComputeDiff compares old and new line by line at equal positions. A changed
// line yields a remove followed by an add; trailing lines on either side are
// pure adds or removes. Insertions that shift later lines therefore show up
// as changes to every shifted line.
func ComputeDiff(oldText, newText string) *model.Diff {
	oldLines := splitLines(oldText)
	newLines := splitLines(newText)

	d := &model.Diff{Entries: []model.DiffEntry{}}
	n := max(len(oldLines), len(newLines))
	for i := 0; i < n; i++ {
		switch {
		case i >= len(oldLines):
			d.Entries = append(d.Entries, model.DiffEntry{Type: model.DiffAdd, Line: newLines[i], LineNum: i + 1})
			d.Additions++
		case i >= len(newLines):
			d.Entries = append(d.Entries, model.DiffEntry{Type: model.DiffRemove, Line: oldLines[i], LineNum: i + 1})
			d.Deletions++
		case oldLines[i] != newLines[i]:
			d.Entries = append(d.Entries,
				model.DiffEntry{Type: model.DiffRemove, Line: oldLines[i], LineNum: i + 1},
				model.DiffEntry{Type: model.DiffAdd, Line: newLines[i], LineNum: i + 1})
			d.Deletions++
			d.Additions++
		}
	}
	d.Summary = fmt.Sprintf("%d additions, %d deletions", d.Additions, d.Deletions)
	return d
}

// splitLines treats the empty text as having no lines at all.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
