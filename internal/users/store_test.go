package users

import (
	"strings"
	"testing"

	"dustdevil/internal/proto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminUser(name string) proto.User {
	return proto.User{Username: name, Password: "secret", Role: proto.RoleAdmin}
}

func regularUser(name string) proto.User {
	return proto.User{Username: name, Password: "secret", Role: proto.RoleRegular}
}

func TestLogin(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(adminUser("pedro")))

	role, ok := s.Login("pedro", "secret")
	assert.True(t, ok)
	assert.Equal(t, proto.RoleAdmin, role)

	_, ok = s.Login("pedro", "wrong")
	assert.False(t, ok)

	_, ok = s.Login("nobody", "secret")
	assert.False(t, ok)
}

func TestAddDuplicate(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(adminUser("pedro")))
	assert.ErrorIs(t, s.Add(regularUser("pedro")), ErrAlreadyExists)
}

func TestAddInvalid(t *testing.T) {
	s := NewStore()
	assert.ErrorIs(t, s.Add(proto.User{Username: "", Password: "x", Role: proto.RoleRegular}), ErrInvalid)
	assert.ErrorIs(t, s.Add(proto.User{Username: "x", Password: "", Role: proto.RoleRegular}), ErrInvalid)
	assert.ErrorIs(t, s.Add(proto.User{Username: strings.Repeat("a", 256), Password: "x", Role: proto.RoleRegular}), ErrInvalid)
	assert.ErrorIs(t, s.Add(proto.User{Username: "x", Password: "x", Role: proto.UserRole(0x7F)}), ErrInvalid)
}

func TestDeleteOnlyAdmin(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(adminUser("admin")))
	require.NoError(t, s.Add(regularUser("bob")))

	_, err := s.Delete("admin")
	assert.ErrorIs(t, err, ErrOnlyAdmin)

	role, err := s.Delete("bob")
	require.NoError(t, err)
	assert.Equal(t, proto.RoleRegular, role)

	_, err = s.Delete("bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAdminWithAnother(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(adminUser("admin")))
	require.NoError(t, s.Add(adminUser("backup")))

	_, err := s.Delete("admin")
	assert.NoError(t, err)

	_, err = s.Delete("backup")
	assert.ErrorIs(t, err, ErrOnlyAdmin)
}

func TestUpdateDemoteOnlyAdmin(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(adminUser("admin")))

	regular := proto.RoleRegular
	_, _, err := s.Update("admin", nil, &regular)
	assert.ErrorIs(t, err, ErrOnlyAdmin)

	// With a second admin the demotion goes through.
	require.NoError(t, s.Add(adminUser("backup")))
	role, passwordChanged, err := s.Update("admin", nil, &regular)
	require.NoError(t, err)
	assert.Equal(t, proto.RoleRegular, role)
	assert.False(t, passwordChanged)
}

func TestUpdatePassword(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(adminUser("admin")))

	newPass := "hunter2"
	role, passwordChanged, err := s.Update("admin", &newPass, nil)
	require.NoError(t, err)
	assert.Equal(t, proto.RoleAdmin, role)
	assert.True(t, passwordChanged)

	_, ok := s.Login("admin", "hunter2")
	assert.True(t, ok)
}

func TestUpdateNothingRequested(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(adminUser("admin")))

	_, _, err := s.Update("admin", nil, nil)
	assert.ErrorIs(t, err, ErrNoChange)
}

func TestUpdateNotFound(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(adminUser("admin")))

	newPass := "x"
	_, _, err := s.Update("ghost", &newPass, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotSorted(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(regularUser("zoe")))
	require.NoError(t, s.Add(adminUser("ana")))
	require.NoError(t, s.Add(regularUser("mia")))

	snapshot := s.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "ana", snapshot[0].Username)
	assert.Equal(t, "mia", snapshot[1].Username)
	assert.Equal(t, "zoe", snapshot[2].Username)
}
