//go:build unix

package privsep

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

// DropPrivileges jails the process in chroot and switches to username.
// It does nothing unless running as root with a user configured.
func DropPrivileges(username, chroot string) error {
	if username == "" || syscall.Geteuid() != 0 {
		return nil
	}
	// Resolve before the chroot hides the password database.
	uid, gid, err := resolveUser(username)
	if err != nil {
		return err
	}
	if chroot != "" {
		if err := enterChroot(chroot); err != nil {
			return err
		}
	}
	return applyPrivileges(uid, gid)
}

func resolveUser(username string) (uid, gid int, err error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, 0, fmt.Errorf("user %s not found: %w", username, err)
	}
	if uid, err = strconv.Atoi(u.Uid); err != nil {
		return 0, 0, fmt.Errorf("user %s: bad uid %q", username, u.Uid)
	}
	if gid, err = strconv.Atoi(u.Gid); err != nil {
		return 0, 0, fmt.Errorf("user %s: bad gid %q", username, u.Gid)
	}
	return uid, gid, nil
}

func enterChroot(path string) error {
	if err := syscall.Chdir(path); err != nil {
		return fmt.Errorf("failed to chdir to jail: %w", err)
	}
	if err := syscall.Chroot("."); err != nil {
		return fmt.Errorf("failed to chroot: %w", err)
	}
	if err := syscall.Chdir("/"); err != nil {
		return fmt.Errorf("failed to chdir to / inside jail: %w", err)
	}
	return nil
}

func applyPrivileges(uid, gid int) error {
	if err := syscall.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups failed: %w", err)
	}
	// GID before UID; afterwards we could not change it.
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("setgid failed: %w", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("setuid failed: %w", err)
	}
	return nil
}
