package version

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rxtech-lab/market-stream/pkg/errors"
)

// CheckDataCompatibility checks whether data written by storedVersion can be
// read by runningVersion. Returns nil if compatible.
//
// Compatibility Rules:
//   - If either version is "main" (development build), the check is skipped
//   - Major versions must match exactly
//   - The running minor version must be at least the stored one
//   - Patch versions can differ
//
// Examples:
//   - Running 1.2.0, stored 1.2.0 -> OK
//   - Running 1.3.0, stored 1.2.4 -> OK (newer reader)
//   - Running 1.2.0, stored 1.3.0 -> ERROR (data from a newer minor)
//   - Running 2.0.0, stored 1.9.0 -> ERROR (major differs)
func CheckDataCompatibility(runningVersion, storedVersion string) error {
	runningVersion = strings.TrimPrefix(strings.TrimSpace(runningVersion), "v")
	storedVersion = strings.TrimPrefix(strings.TrimSpace(storedVersion), "v")

	if runningVersion == "main" || storedVersion == "main" {
		return nil
	}

	running, err := semver.NewVersion(runningVersion)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidParameter, err, "invalid running version '%s'", runningVersion)
	}

	stored, err := semver.NewVersion(storedVersion)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidParameter, err, "invalid stored version '%s'", storedVersion)
	}

	if running.Major() != stored.Major() {
		return errors.Newf(errors.ErrCodeSchemaFailed,
			"major version mismatch: running %d.x.x but data was written by %d.x.x",
			running.Major(), stored.Major())
	}

	if running.Minor() < stored.Minor() {
		return errors.Newf(errors.ErrCodeSchemaFailed,
			"data was written by %d.%d.x which is newer than running %d.%d.x",
			stored.Major(), stored.Minor(), running.Major(), running.Minor())
	}

	return nil
}
