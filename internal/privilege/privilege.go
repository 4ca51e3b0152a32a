// Package privilege reports whether the process runs with administrative
// rights, so access failures can tell the user what to do.
package privilege

import "runtime"

// Hint returns advice for an access failure, or "" when the process is
// already elevated and elevation would not help.
func Hint() string {
	if IsElevated() {
		return ""
	}
	if runtime.GOOS == "windows" {
		return "run recallguard from an elevated (administrator) prompt"
	}
	return "run recallguard as root"
}
