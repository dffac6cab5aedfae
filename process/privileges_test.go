package process

import (
	"errors"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDropTarget(t *testing.T) {
	alice := &user.User{Username: "alice", Uid: "1000", Gid: "1000"}
	lookup := func(name string) (*user.User, error) {
		if name == "alice" {
			return alice, nil
		}
		return nil, user.UnknownUserError(name)
	}
	freshDir := filepath.Join(t.TempDir(), "data")

	tests := []struct {
		name     string
		euid     int
		sudoUser string
		dataDir  string
		want     *user.User
		wantErr  bool
	}{
		{name: "not root", euid: 1000, sudoUser: "alice", dataDir: freshDir},
		{name: "root without sudo", euid: 0, dataDir: freshDir},
		{name: "database owned by root", euid: 0, sudoUser: "alice", dataDir: "/"},
		{name: "database not created yet", euid: 0, sudoUser: "alice", dataDir: freshDir, want: alice},
		{name: "unknown sudo user", euid: 0, sudoUser: "mallory", dataDir: freshDir, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dropTarget(tt.euid, tt.sudoUser, tt.dataDir, lookup)
			if tt.wantErr {
				require.Error(t, err)
				var unknown user.UnknownUserError
				assert.True(t, errors.As(err, &unknown))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDropPrivilegesWithoutSudo(t *testing.T) {
	t.Setenv("SUDO_USER", "")

	dropped, err := DropPrivileges(t.TempDir())
	require.NoError(t, err)
	assert.False(t, dropped)
}
