package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func restoreVersion(t *testing.T) {
	v, r, d := Version, Revision, BuildDate
	t.Cleanup(func() {
		Version, Revision, BuildDate = v, r, d
	})
}

func TestStrings(t *testing.T) {
	assert.Contains(t, Short(), Version)
	assert.True(t, strings.HasPrefix(Detailed(), AppName+" "))
	assert.True(t, strings.HasPrefix(UserAgent("client"), AppName+"-client/"+Version))
}

func TestFillFromVCS_Defaults(t *testing.T) {
	restoreVersion(t)
	Version, Revision, BuildDate = devVersion, "HEAD", ""

	fillFromVCS("v1.2.3", map[string]string{
		"vcs.revision": "abcdef1234567890",
		"vcs.modified": "true",
		"vcs.time":     "2026-01-02T03:04:05Z",
	})

	assert.Equal(t, "1.2.3", Version)
	assert.Equal(t, "abcdef123456-dirty", Revision)
	assert.Equal(t, "2026-01-02T03:04:05Z", BuildDate)
}

func TestFillFromVCS_KeepsLdflags(t *testing.T) {
	restoreVersion(t)
	Version, Revision, BuildDate = "2.0.0", "cafe", "yesterday"

	fillFromVCS("v1.2.3", map[string]string{"vcs.revision": "abc", "vcs.time": "now"})

	assert.Equal(t, "2.0.0", Version)
	assert.Equal(t, "cafe", Revision)
	assert.Equal(t, "yesterday", BuildDate)
}
