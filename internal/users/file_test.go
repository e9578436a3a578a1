package users

import (
	"os"
	"path/filepath"
	"testing"

	"dustdevil/internal/proto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	cases := []struct {
		line string
		want proto.User
	}{
		{"@pedro:pedrito4321", proto.User{Username: "pedro", Password: "pedrito4321", Role: proto.RoleAdmin}},
		{"#carlos:carlitox@33", proto.User{Username: "carlos", Password: "carlitox@33", Role: proto.RoleRegular}},
		{`#chi\:chí:super:secret:password`, proto.User{Username: "chi:chí", Password: "super:secret:password", Role: proto.RoleRegular}},
		{`@back\\slash:pa\\ss`, proto.User{Username: `back\slash`, Password: `pa\ss`, Role: proto.RoleAdmin}},
		{"#p:ends with space ", proto.User{Username: "p", Password: "ends with space ", Role: proto.RoleRegular}},
	}
	for _, c := range cases {
		u, ok, err := ParseLine(c.line)
		require.NoError(t, err, c.line)
		require.True(t, ok, c.line)
		assert.Equal(t, c.want, u, c.line)
	}
}

func TestParseLineComments(t *testing.T) {
	for _, line := range []string{
		"! a comment",
		"# just words, no separator",
		"",
	} {
		_, ok, err := ParseLine(line)
		assert.NoError(t, err, line)
		assert.False(t, ok, line)
	}
}

func TestParseLineErrors(t *testing.T) {
	for _, line := range []string{
		"pedro:pass",   // no role char
		"@pedro",       // no colon
		"@:pass",       // empty username
		"@pedro:",      // empty password
	} {
		_, _, err := ParseLine(line)
		assert.Error(t, err, line)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.txt")
	content := "! Our admin Pedro\n" +
		"@pedro:pedrito4321\n" +
		"\n" +
		"   #carlos:carlitox@33\n" +
		"# this one is a comment\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	list, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "pedro", list[0].Username)
	assert.Equal(t, proto.RoleAdmin, list[0].Role)
	assert.Equal(t, "carlos", list[1].Username)
	assert.Equal(t, proto.RoleRegular, list[1].Role)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

func TestLoadFileBadLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.txt")
	require.NoError(t, os.WriteFile(path, []byte("@pedro\n"), 0o644))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.txt")

	original := []proto.User{
		{Username: "admin", Password: "admin", Role: proto.RoleAdmin},
		{Username: "chi:chí", Password: `super:secret\pass`, Role: proto.RoleRegular},
	}
	count, err := SaveFile(path, original)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, loaded)
}
