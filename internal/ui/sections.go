// File: internal/ui/sections.go
// Brief: Section bookkeeping for in-place console rendering.

package ui

type consoleSection struct {
	name  string
	lines []string
}

func cloneSections(sections []consoleSection) []consoleSection {
	if len(sections) == 0 {
		return nil
	}
	out := make([]consoleSection, len(sections))
	for i, sec := range sections {
		lines := make([]string, len(sec.lines))
		copy(lines, sec.lines)
		out[i] = consoleSection{name: sec.name, lines: lines}
	}
	return out
}

func countLines(sections []consoleSection) int {
	total := 0
	for _, sec := range sections {
		total += len(sec.lines)
	}
	return total
}

// diffIndex returns the first section whose lines changed, or -1 when
// nothing did. Everything from that section down gets repainted.
func diffIndex(oldSections, newSections []consoleSection) int {
	n := min(len(oldSections), len(newSections))
	for i := 0; i < n; i++ {
		if !equalLines(oldSections[i].lines, newSections[i].lines) {
			return i
		}
	}
	if len(oldSections) != len(newSections) {
		return n
	}
	return -1
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
