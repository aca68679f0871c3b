/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sandbox

import "strings"

// suspiciousMarkers maps substrings observed in execution output/logs to
// the escape category they indicate. Real escape detection belongs to
// the kernel-isolation/microVM runtime's own syscall auditor (out of
// scope here per spec.md §1); this is the lightweight classifier the
// controller runs over what the runtime reports.
var suspiciousMarkers = map[string]ViolationKind{
	"ptrace":              ViolationDangerousSyscall,
	"mount(":               ViolationContainerBreakout,
	"unshare(":             ViolationContainerBreakout,
	"/proc/1/root":         ViolationContainerBreakout,
	"/etc/shadow":          ViolationPrivilegedFileAccess,
	"/var/run/docker.sock": ViolationPrivilegedFileAccess,
	"connect(":             ViolationNetworkEscape,
	"raw socket":           ViolationNetworkEscape,
	"/proc/sys":             ViolationProcessVisibility,
	"ps -ef":               ViolationProcessVisibility,
}

// DetectViolations scans execution output/log text for markers of a
// sandbox escape attempt, returning one Violation per distinct kind
// found (spec.md §4.H).
func DetectViolations(output string) []Violation {
	var out []Violation
	seen := make(map[ViolationKind]bool)
	lower := strings.ToLower(output)
	for marker, kind := range suspiciousMarkers {
		if seen[kind] {
			continue
		}
		if strings.Contains(lower, strings.ToLower(marker)) {
			out = append(out, Violation{Kind: kind, Severity: severityFor(kind), Detail: "matched marker: " + marker})
			seen[kind] = true
		}
	}
	return out
}
