package sandbox

import (
	"strings"
)

// FailureKind classifies what a sandboxed command ran into.
type FailureKind string

const (
	FailureNetwork    FailureKind = "network"
	FailureFilesystem FailureKind = "filesystem"
	FailureUnknown    FailureKind = "unknown"
)

// Classification is the result of inspecting a failed command's output.
type Classification struct {
	Kind     FailureKind `json:"kind"`
	Subtype  string      `json:"subtype,omitempty"`
	Evidence string      `json:"evidence"`
}

// Output markers, checked in order. Network markers are searched across the
// whole output before any filesystem marker. Within filesystemMarkers the
// read-only entries come before the generic permission ones so "Read-only
// file system" wins over a bare "Operation not permitted" on the same line.
var networkMarkers = []struct{ needle, subtype string }{
	{"Could not resolve host", "dns"},
	{"Temporary failure in name resolution", "dns"},
	{"Name or service not known", "dns"},
	{"getaddrinfo", "dns"},
	{"EAI_AGAIN", "dns"},
	{"Network is unreachable", "unreachable"},
	{"Connection refused", "refused"},
	{"ENETUNREACH", "unreachable"},
	{"ECONNREFUSED", "refused"},
}

var filesystemMarkers = []struct{ needle, subtype string }{
	{"Read-only file system", "read-only"},
	{"EROFS", "read-only"},
	{"Operation not permitted", "write-denied"},
	{"Permission denied", "write-denied"},
	{"EPERM", "write-denied"},
	{"EACCES", "write-denied"},
}

// ClassifyFailure inspects combined stdout+stderr of a failed sandboxed
// command and names the restriction it most plausibly hit. Pure and
// idempotent: it depends only on the output string.
func ClassifyFailure(output string) Classification {
	for _, line := range strings.Split(output, "\n") {
		for _, m := range networkMarkers {
			if strings.Contains(line, m.needle) {
				return Classification{Kind: FailureNetwork, Subtype: m.subtype, Evidence: evidence(line)}
			}
		}
	}
	for _, line := range strings.Split(output, "\n") {
		for _, m := range filesystemMarkers {
			if strings.Contains(line, m.needle) {
				return Classification{Kind: FailureFilesystem, Subtype: m.subtype, Evidence: evidence(line)}
			}
		}
	}
	return Classification{Kind: FailureUnknown, Evidence: evidence(lastNonEmptyLine(output))}
}

// evidence trims a line into a single-line excerpt fit for a diagnostic.
func evidence(line string) string {
	line = strings.TrimSpace(line)
	const max = 200
	if len(line) > max {
		return line[:max]
	}
	return line
}

func lastNonEmptyLine(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}
