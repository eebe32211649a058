package frame

import (
	"go/build"
	"strings"

	"github.com/grafana/regexp"
)

var (
	libraryPathMarkers = []string{
		"/site-packages/",
		"/dist-packages/",
		"\\site-packages\\",
		"\\dist-packages\\",
		"/pkg/mod/",
		"\\pkg\\mod\\",
		"/vendor/",
	}
	pythonStdlibPath = regexp.MustCompile(`[/\\]lib[/\\]python\d+(\.\d+)?[/\\]`)
	goroot           = build.Default.GOROOT
)

// IsImportMachinery reports whether the frame belongs to the module
// loading machinery of the host runtime.
func (i Identifier) IsImportMachinery() bool {
	if strings.Contains(i.File, "<frozen importlib._bootstrap") {
		return true
	}
	return i.Function == "runtime.doInit" || i.Function == "runtime.doInit1"
}

// IsApplicationFrame reports whether the frame is code written by the
// profiled program's authors rather than a library, the standard library
// or the runtime.
func (i Identifier) IsApplicationFrame() bool {
	if i.IsSynthetic() || i.IsThread() {
		return false
	}
	return IsApplicationFile(i.File)
}

func IsApplicationFile(path string) bool {
	if path == "" || strings.HasPrefix(path, "<") {
		return false
	}
	for _, m := range libraryPathMarkers {
		if strings.Contains(path, m) {
			return false
		}
	}
	if pythonStdlibPath.MatchString(path) {
		return false
	}
	if goroot != "" && strings.HasPrefix(path, goroot+"/src/") {
		return false
	}
	return true
}
