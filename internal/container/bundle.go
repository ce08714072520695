package container

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banksean/vminitd/internal/agenterr"
)

// bundlesRoot is the persisted-state root named in §6: bundles under a
// fixed root, exec specs under <bundle>/execs/<exec-id>/process.json.
// Overridable in tests, which cannot write to the real /run.
var bundlesRoot = "/run/container"

// Spec is the subset of an OCI-style container spec this agent reads
// directly; the rest passes through to the runtime spec file
// untouched.
type Spec struct {
	Hostname    string      `json:"hostname,omitempty"`
	Root        string      `json:"root"`
	CgroupsPath string      `json:"cgroupsPath,omitempty"`
	Process     ProcessSpec `json:"process"`
}

// ProcessSpec is the per-exec process description, serialized to
// <bundle>/execs/<execID>/process.json by createExec.
type ProcessSpec struct {
	Terminal bool     `json:"terminal"`
	Cwd      string   `json:"cwd,omitempty"`
	Args     []string `json:"args"`
	Env      []string `json:"env,omitempty"`
	User     UserSpec `json:"user"`
}

// UserSpec selects the effective uid/gid/supplementary groups. When
// Username is set, its entry in the rootfs's passwd file replaces
// UID and GID.
type UserSpec struct {
	Username         string  `json:"username,omitempty"`
	UID              uint32  `json:"uid"`
	GID              uint32  `json:"gid"`
	AdditionalGroups []uint32 `json:"additionalGids,omitempty"`
}

// bundle is the on-disk directory for one container, materialized by
// CreateContainer (§3).
type bundle struct {
	id   string
	path string
}

func bundlePath(id string) string {
	return filepath.Join(bundlesRoot, id)
}

// materializeBundle creates the bundle directory tree and writes the
// runtime spec, per §4.9 construction step 2.
func materializeBundle(id string, spec Spec) (*bundle, error) {
	path := bundlePath(id)
	if err := os.MkdirAll(filepath.Join(path, "execs"), 0o755); err != nil {
		return nil, agenterr.Errno("bundle.materialize", err)
	}

	b, err := json.Marshal(spec)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.InvalidArgument, "bundle.materialize", "encode runtime spec", err)
	}
	if err := os.WriteFile(filepath.Join(path, "config.json"), b, 0o644); err != nil {
		return nil, agenterr.Errno("bundle.materialize", err)
	}

	if spec.Hostname != "" {
		hostnamePath := filepath.Join(spec.Root, "etc", "hostname")
		if _, err := os.Stat(hostnamePath); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(hostnamePath), 0o755); err != nil {
				return nil, agenterr.Errno("bundle.materialize", err)
			}
			if err := os.WriteFile(hostnamePath, []byte(spec.Hostname+"\n"), 0o644); err != nil {
				return nil, agenterr.Errno("bundle.materialize", err)
			}
		}
	}

	return &bundle{id: id, path: path}, nil
}

// writeExecSpec persists one per-exec process spec at
// <bundle>/execs/<execID>/process.json.
func (b *bundle) writeExecSpec(execID string, ps ProcessSpec) error {
	dir := filepath.Join(b.path, "execs", execID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return agenterr.Errno("bundle.writeExecSpec", err)
	}
	data, err := json.Marshal(ps)
	if err != nil {
		return agenterr.Wrap(agenterr.InvalidArgument, "bundle.writeExecSpec", "encode process spec", err)
	}
	return os.WriteFile(filepath.Join(dir, "process.json"), data, 0o644)
}

// removeExecSpec deletes one exec's on-disk record, per deleteExec.
func (b *bundle) removeExecSpec(execID string) error {
	err := os.RemoveAll(filepath.Join(b.path, "execs", execID))
	if err != nil {
		return agenterr.Errno("bundle.removeExecSpec", err)
	}
	return nil
}

// delete removes the whole bundle directory, per delete(container).
func (b *bundle) delete() error {
	if err := os.RemoveAll(b.path); err != nil {
		return agenterr.Errno("bundle.delete", err)
	}
	return nil
}

// resolveUser implements the "getExecUser" semantics of §4.9 step 2:
// read the rootfs's passwd file to turn a username into uid/gid, fill
// PATH/HOME/TERM defaults, and deduplicate the caller's supplementary
// groups. The group file is not read, so no supplementary groups are
// looked up for the user. If Username is empty, UID/GID pass through
// unchanged.
func resolveUser(rootfs string, u UserSpec, env []string) (UserSpec, []string, error) {
	resolved := u
	if u.Username != "" {
		entry, err := lookupPasswd(rootfs, u.Username)
		if err != nil {
			return u, nil, err
		}
		resolved.UID = entry.uid
		resolved.GID = entry.gid
		env = appendIfMissing(env, "HOME", entry.home)
	}

	resolved.AdditionalGroups = dedupeUint32(resolved.AdditionalGroups)

	env = appendIfMissing(env, "PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	env = appendIfMissing(env, "HOME", "/root")
	env = appendIfMissing(env, "TERM", "xterm")

	return resolved, env, nil
}

type passwdEntry struct {
	name string
	uid  uint32
	gid  uint32
	home string
}

func lookupPasswd(rootfs, username string) (passwdEntry, error) {
	f, err := os.Open(filepath.Join(rootfs, "etc", "passwd"))
	if err != nil {
		return passwdEntry{}, agenterr.Wrap(agenterr.NotFound, "container.resolveUser", "open passwd", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 6 || fields[0] != username {
			continue
		}
		uid, _ := strconv.ParseUint(fields[2], 10, 32)
		gid, _ := strconv.ParseUint(fields[3], 10, 32)
		return passwdEntry{name: fields[0], uid: uint32(uid), gid: uint32(gid), home: fields[5]}, nil
	}
	return passwdEntry{}, agenterr.New(agenterr.NotFound, "container.resolveUser", "no such user: "+username)
}

func appendIfMissing(env []string, key, value string) []string {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return env
		}
	}
	return append(env, prefix+value)
}

func dedupeUint32(in []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(in))
	out := make([]uint32, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
