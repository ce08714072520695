// Filesystem utility verbs (§4.10): directory creation, whole-file
// writes, chunked file streaming, and tar-based directory copies.
// Grounded on workspace.go's file-tree materialization
// (MkdirAll-then-WriteFile idiom) and sshimmer.go's temp-then-rename
// writes, generalized to the dispatcher's request/response shape.
package dispatcher

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/banksean/vminitd/internal/agenterr"
)

// chunkSize is the streaming unit for file copy-in/copy-out, per §4.10.
const chunkSize = 1 << 20

type mkdirRequest struct {
	Path string      `json:"path"`
	Mode os.FileMode `json:"mode"`
}

func (d *Dispatcher) handleMkdir(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[mkdirRequest](payload, "dispatcher.Mkdir")
	if err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == 0 {
		mode = 0o755
	}
	if err := os.MkdirAll(req.Path, mode); err != nil {
		return nil, agenterr.Errno("dispatcher.Mkdir", err)
	}
	return nil, nil
}

// writeFileFlags mirrors the §4.10 flag set: create-parent,
// create-if-missing, append.
type writeFileFlags struct {
	CreateParent    bool `json:"createParent"`
	CreateIfMissing bool `json:"createIfMissing"`
	Append          bool `json:"append"`
}

type writeFileRequest struct {
	Path  string          `json:"path"`
	Mode  os.FileMode     `json:"mode"`
	Flags writeFileFlags  `json:"flags"`
	Data  []byte          `json:"data"`
}

func (d *Dispatcher) handleWriteFile(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[writeFileRequest](payload, "dispatcher.WriteFile")
	if err != nil {
		return nil, err
	}
	if req.Flags.CreateParent {
		if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
			return nil, agenterr.Errno("dispatcher.WriteFile", err)
		}
	}

	flags := os.O_WRONLY
	switch {
	case req.Flags.Append:
		flags |= os.O_APPEND | os.O_CREATE
	case req.Flags.CreateIfMissing:
		flags |= os.O_CREATE | os.O_TRUNC
	default:
		flags |= os.O_TRUNC
	}

	mode := req.Mode
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(req.Path, flags, mode)
	if err != nil {
		return nil, agenterr.Errno("dispatcher.WriteFile", err)
	}
	defer f.Close()
	if _, err := f.Write(req.Data); err != nil {
		return nil, agenterr.Errno("dispatcher.WriteFile", err)
	}
	return nil, nil
}

// copyFileInRequest is the init chunk declaring the destination; data
// chunks are the remainder of req.Data concatenated by the caller
// before dispatch, since the dispatcher's wire envelope carries one
// payload per request rather than a raw stream. Large transfers are
// expected to issue repeated copy-file-in calls with Offset advancing
// by chunkSize, matching the §4.10 "init chunk declares path... data
// chunks follow" shape one request at a time.
type copyFileInRequest struct {
	Path           string `json:"path"`
	Mode           os.FileMode `json:"mode"`
	CreateParents  bool   `json:"createParents"`
	Offset         int64  `json:"offset"`
	Data           []byte `json:"data"`
	Final          bool   `json:"final"`
}

func (d *Dispatcher) handleCopyFileIn(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[copyFileInRequest](payload, "dispatcher.CopyFileIn")
	if err != nil {
		return nil, err
	}
	if len(req.Data) > chunkSize {
		return nil, agenterr.New(agenterr.InvalidArgument, "dispatcher.CopyFileIn", "(copyFileInRequest, data): exceeds chunk size")
	}
	if req.CreateParents {
		if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
			return nil, agenterr.Errno("dispatcher.CopyFileIn", err)
		}
	}

	mode := req.Mode
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(req.Path, os.O_WRONLY|os.O_CREATE, mode)
	if err != nil {
		return nil, agenterr.Errno("dispatcher.CopyFileIn", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(req.Data, req.Offset); err != nil {
		return nil, agenterr.Errno("dispatcher.CopyFileIn", err)
	}
	return nil, nil
}

type copyFileOutRequest struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
}

type copyFileOutResponse struct {
	TotalSize int64  `json:"totalSize"`
	Data      []byte `json:"data"`
	Final     bool   `json:"final"`
}

// handleCopyFileOut answers one chunk per call, starting at Offset, so
// the caller drives the loop: it issues copy-file-out requests with
// increasing Offset until the response comes back Final.
func (d *Dispatcher) handleCopyFileOut(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[copyFileOutRequest](payload, "dispatcher.CopyFileOut")
	if err != nil {
		return nil, err
	}
	f, err := os.Open(req.Path)
	if err != nil {
		return nil, agenterr.Errno("dispatcher.CopyFileOut", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, agenterr.Errno("dispatcher.CopyFileOut", err)
	}

	buf := make([]byte, chunkSize)
	n, err := f.ReadAt(buf, req.Offset)
	if err != nil && err != io.EOF {
		return nil, agenterr.Errno("dispatcher.CopyFileOut", err)
	}
	data := buf[:n]
	final := req.Offset+int64(n) >= info.Size()
	return copyFileOutResponse{TotalSize: info.Size(), Data: data, Final: final}, nil
}

type copyDirInRequest struct {
	Path   string `json:"path"`
	Tar    []byte `json:"tar"`
}

// handleCopyDirIn extracts a full tar archive built by the caller into
// Path, rejecting any entry whose normalized path escapes Path via
// `..`, per the §4.10 traversal-defense requirement.
func (d *Dispatcher) handleCopyDirIn(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[copyDirInRequest](payload, "dispatcher.CopyDirIn")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(req.Path, 0o755); err != nil {
		return nil, agenterr.Errno("dispatcher.CopyDirIn", err)
	}

	tr := tar.NewReader(bytes.NewReader(req.Tar))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, agenterr.Wrap(agenterr.InvalidArgument, "dispatcher.CopyDirIn", "(tar, header)", err)
		}

		target, err := safeJoin(req.Path, hdr.Name)
		if err != nil {
			return nil, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return nil, agenterr.Errno("dispatcher.CopyDirIn", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, agenterr.Errno("dispatcher.CopyDirIn", err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return nil, agenterr.Errno("dispatcher.CopyDirIn", err)
			}
			_, err = io.Copy(out, tr)
			out.Close()
			if err != nil {
				return nil, agenterr.Errno("dispatcher.CopyDirIn", err)
			}
		default:
			// Symlinks, devices, etc. are skipped; the §4.10 scope is
			// regular files and directories.
		}
	}
	return nil, nil
}

// safeJoin rejects any tar entry whose normalized path contains `..`
// or is itself absolute, per §4.10's traversal-defense requirement,
// rather than silently neutralizing it by re-rooting.
func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", agenterr.New(agenterr.InvalidArgument, "dispatcher.safeJoin", "tar entry escapes target: "+name)
	}
	return filepath.Join(root, clean), nil
}

type copyDirOutRequest struct {
	Path string `json:"path"`
}

type copyDirOutResponse struct {
	Tar []byte `json:"tar"`
}

// handleCopyDirOut tars the full subtree rooted at Path and returns it
// in one response; large trees are the caller's problem to chunk at a
// higher layer, consistent with out-copy's "tars the source then
// streams the bytes" wording in §4.10.
func (d *Dispatcher) handleCopyDirOut(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[copyDirOutRequest](payload, "dispatcher.CopyDirOut")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	walkErr := filepath.Walk(req.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(req.Path, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return nil, agenterr.Errno("dispatcher.CopyDirOut", walkErr)
	}
	if err := tw.Close(); err != nil {
		return nil, agenterr.Errno("dispatcher.CopyDirOut", err)
	}
	return copyDirOutResponse{Tar: buf.Bytes()}, nil
}
