package morph

import "github.com/blang/semver"

const versionString = "1.3.0"

// Version is the pipeline version recorded in provenance metadata and state documents.
var Version = semver.MustParse(versionString)

// CompatibleVersion returns true if a document written by version v can be read by this
// pipeline, i.e. it shares the major version.
func CompatibleVersion(v string) bool {
	parsed, err := semver.Make(v)
	if err != nil {
		return false
	}
	return parsed.Major == Version.Major
}
