// Package version carries the build identity stamped into logs, the health
// surface and the initialize handshake.
package version

import "runtime/debug"

// AppName names the server in handshakes and version strings.
const AppName = "masc"

// commit may be injected at build time with
//
//	-ldflags "-X <module>/pkg/version.commit=<sha>"
//
// for builds without a .git directory. When absent, the revision the Go
// toolchain recorded in the binary is used instead.
var commit string

// GitCommit is the short revision identifying this build, or "dev" when no
// revision is known (plain `go test`, source tarballs).
var GitCommit = resolve()

func resolve() string {
	rev := commit
	if rev == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					rev = s.Value
					break
				}
			}
		}
	}
	if rev == "" {
		return "dev"
	}
	const short = 8
	if len(rev) > short {
		rev = rev[:short]
	}
	return rev
}

// Full returns the "masc/<revision>" form used in logs and the room banner.
func Full() string {
	return AppName + "/" + GitCommit
}
