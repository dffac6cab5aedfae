package process

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// dropTarget returns the sudo caller that a root process reading dataDir
// should switch to, or nil when it should keep its privileges: not root, not
// started through sudo, or dataDir already belongs to root because a
// privileged watch created the database there.
func dropTarget(euid int, sudoUser, dataDir string, lookup func(string) (*user.User, error)) (*user.User, error) {
	if euid != 0 || sudoUser == "" {
		return nil, nil
	}

	var st unix.Stat_t
	err := unix.Stat(dataDir, &st)
	switch {
	case err == nil && int(st.Uid) == euid:
		return nil, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("could not stat %s: %w", dataDir, err)
	}

	u, err := lookup(sudoUser)
	if err != nil {
		return nil, fmt.Errorf("could not get original user: %w", err)
	}
	return u, nil
}

// DropPrivileges switches to the user who invoked sudo before the database in
// dataDir is opened. Probes cannot be attached afterwards, so only offline
// commands call it. It reports whether privileges were dropped.
func DropPrivileges(dataDir string) (bool, error) {
	u, err := dropTarget(os.Geteuid(), os.Getenv("SUDO_USER"), dataDir, user.Lookup)
	if err != nil || u == nil {
		return false, err
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return false, fmt.Errorf("invalid uid: %w", err)
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return false, fmt.Errorf("invalid gid: %w", err)
	}

	groups := []int{gid}
	if ids, err := u.GroupIds(); err == nil {
		groups = groups[:0]
		for _, id := range ids {
			if g, err := strconv.Atoi(id); err == nil {
				groups = append(groups, g)
			}
		}
	}

	if err := unix.Setgroups(groups); err != nil {
		return false, fmt.Errorf("could not drop supplementary groups: %w", err)
	}

	if err := unix.Setgid(gid); err != nil {
		return false, fmt.Errorf("could not drop group privileges: %w", err)
	}

	if err := unix.Setuid(uid); err != nil {
		return false, fmt.Errorf("could not drop user privileges: %w", err)
	}

	return true, nil
}
