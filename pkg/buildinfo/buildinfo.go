// Package buildinfo exposes the worker's build metadata.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set at build time via ldflags:
// -X github.com/otherjamesbrown/penf-transcribe/pkg/buildinfo.Version=v0.3.0
// -X github.com/otherjamesbrown/penf-transcribe/pkg/buildinfo.Commit=4f1c2d9
// -X github.com/otherjamesbrown/penf-transcribe/pkg/buildinfo.BuildTime=2026-02-07T10:30:00Z
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info describes a running worker build.
type Info struct {
	ServiceName string `json:"service_name" yaml:"service_name"`
	Version     string `json:"version" yaml:"version"`
	Commit      string `json:"commit" yaml:"commit"`
	BuildTime   string `json:"build_time" yaml:"build_time"`
	GoVersion   string `json:"go_version" yaml:"go_version"`
	Uptime      string `json:"uptime,omitempty" yaml:"uptime,omitempty"`
}

// vcsStamp reads the revision and commit time the go tool embeds when
// building from a checkout.
var vcsStamp = sync.OnceValues(func() (revision, at string) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
			if len(revision) > 7 {
				revision = revision[:7]
			}
		case "vcs.time":
			at = s.Value
		}
	}
	return revision, at
})

// Get returns build info for the named service. Values not set through
// ldflags fall back to the VCS stamp.
func Get(serviceName string) Info {
	info := Info{
		ServiceName: serviceName,
		Version:     Version,
		Commit:      Commit,
		BuildTime:   BuildTime,
		GoVersion:   runtime.Version(),
	}
	rev, at := vcsStamp()
	if info.Commit == "unknown" && rev != "" {
		info.Commit = rev
	}
	if info.BuildTime == "unknown" && at != "" {
		info.BuildTime = at
	}
	return info
}

// String returns a one-liner like "v0.3.0 (4f1c2d9, 2026-02-07T10:30:00Z)".
func String() string {
	info := Get("")
	return info.Version + " (" + info.Commit + ", " + info.BuildTime + ")"
}

// Handler serves build info as JSON, with the uptime since started.
func Handler(serviceName string, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := Get(serviceName)
		if !started.IsZero() {
			info.Uptime = time.Since(started).Truncate(time.Second).String()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	}
}
