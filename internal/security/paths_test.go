package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
)

func TestWithinDir(t *testing.T) {
	inbox := t.TempDir()

	assert.NoError(t, WithinDir(filepath.Join(inbox, "gate_east__1.mp4"), inbox))
	assert.NoError(t, WithinDir(filepath.Join(inbox, "sub", "clip.mp4"), inbox))

	err := WithinDir(filepath.Join(inbox, "..", "clip.mp4"), inbox)
	assert.ErrorIs(t, err, fault.ErrBadInput)

	err = WithinDir("/etc/passwd", inbox)
	assert.ErrorIs(t, err, fault.ErrBadInput)
}

func TestWithinDirSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	inbox := filepath.Join(root, "inbox")
	outside := filepath.Join(root, "outside")
	require.NoError(t, os.MkdirAll(inbox, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(inbox, "evil")))

	// A file reached through a symlinked subdirectory is outside the inbox
	// even though its literal path is inside it.
	err := WithinDir(filepath.Join(inbox, "evil", "clip.mp4"), inbox)
	assert.ErrorIs(t, err, fault.ErrBadInput)
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"gate_east", "gate_east"},
		{"evt-42.A", "evt-42.A"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"a b\tc", "a_b_c"},
		{"", "unknown"},
		{"///", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), tt.in)
	}
}
