package sandbox

import (
	"encoding/json"
	"fmt"
	"os"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"
)

// ExecStage is the second half of NamespaceRunner.Run. It runs in the
// re-executed process, already inside the private mount (and possibly user)
// namespace: it sets up mounts, chroots into the rootfs, and replaces
// itself with the requested command. It only returns on error.
func ExecStage() error {
	payload := os.Getenv(stageSpecEnv)
	if payload == "" {
		return fmt.Errorf("%s not set", stageSpecEnv)
	}
	var spec RunSpec
	if err := json.Unmarshal([]byte(payload), &spec); err != nil {
		return fmt.Errorf("unmarshal run spec: %w", err)
	}

	// Stop mount events from propagating back to the host even if the
	// namespace shares peer groups.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mounts private: %w", err)
	}

	if !spec.Writable {
		// A read-only self-bind keeps the sandbox tree immutable while
		// explicit binds mounted on top of it stay writable.
		if err := unix.Mount(spec.Rootfs, spec.Rootfs, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("bind rootfs: %w", err)
		}
		if err := unix.Mount("", spec.Rootfs, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("remount rootfs read-only: %w", err)
		}
	}

	if err := mountSystem(spec.Rootfs); err != nil {
		return err
	}

	for _, bind := range spec.Binds {
		target, err := securejoin.SecureJoin(spec.Rootfs, bind.Target)
		if err != nil {
			return fmt.Errorf("resolve bind target %s: %w", bind.Target, err)
		}
		if err := ensureMountPoint(target, bind.Source); err != nil {
			return err
		}
		if err := unix.Mount(bind.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind %s -> %s: %w", bind.Source, bind.Target, err)
		}
	}

	if err := unix.Chroot(spec.Rootfs); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	dir := spec.Dir
	if dir == "" {
		dir = "/"
	}
	if err := unix.Chdir(dir); err != nil {
		return fmt.Errorf("chdir %s: %w", dir, err)
	}

	if err := unix.Exec(spec.Command[0], spec.Command, spec.Env); err != nil {
		return fmt.Errorf("exec %s: %w", spec.Command[0], err)
	}
	return nil
}

// mountSystem provides the pseudo-filesystems install steps and smoke tests
// expect: /proc, a host /dev, and working DNS.
func mountSystem(rootfs string) error {
	proc, err := securejoin.SecureJoin(rootfs, "proc")
	if err != nil {
		return fmt.Errorf("resolve proc: %w", err)
	}
	if err := os.MkdirAll(proc, 0555); err != nil {
		return fmt.Errorf("create proc dir: %w", err)
	}
	if err := unix.Mount("proc", proc, "proc", 0, ""); err != nil {
		return fmt.Errorf("mount proc: %w", err)
	}

	dev, err := securejoin.SecureJoin(rootfs, "dev")
	if err != nil {
		return fmt.Errorf("resolve dev: %w", err)
	}
	if err := os.MkdirAll(dev, 0755); err != nil {
		return fmt.Errorf("create dev dir: %w", err)
	}
	if err := unix.Mount("/dev", dev, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind /dev: %w", err)
	}

	if _, err := os.Stat("/etc/resolv.conf"); err == nil {
		resolv, err := securejoin.SecureJoin(rootfs, "etc/resolv.conf")
		if err != nil {
			return fmt.Errorf("resolve resolv.conf: %w", err)
		}
		if err := ensureMountPoint(resolv, "/etc/resolv.conf"); err != nil {
			return err
		}
		if err := unix.Mount("/etc/resolv.conf", resolv, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("bind resolv.conf: %w", err)
		}
	}
	return nil
}

// ensureMountPoint creates target as a directory or empty file matching the
// type of source, so the bind mount has something to attach to.
func ensureMountPoint(target, source string) error {
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat bind source %s: %w", source, err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("create mount point %s: %w", target, err)
		}
		return nil
	}

	f, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("create mount point %s: %w", target, err)
	}
	return f.Close()
}
