// DNS / hosts verbs (§4.10): write resolver files (delegated to the
// DNS monitor's registry so host-provided config merges with learned
// RDNSS entries) and hosts files (written directly here, since hosts
// entries have no learned/merged state to track).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/banksean/vminitd/internal/agenterr"
	"github.com/banksean/vminitd/internal/dnsmonitor"
)

type writeResolverRequest struct {
	Path   string              `json:"path"`
	Config dnsmonitor.HostConfig `json:"config"`
}

func (d *Dispatcher) handleWriteResolver(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[writeResolverRequest](payload, "dispatcher.WriteResolver")
	if err != nil {
		return nil, err
	}
	if d.DNS == nil {
		return nil, agenterr.New(agenterr.Unsupported, "dispatcher.WriteResolver", "no DNS monitor configured")
	}
	return nil, d.DNS.Update(ctx, req.Path, req.Config)
}

// hostsEntry is one line of the §6 hosts file format: an address, one
// or more hostnames, and an optional trailing comment.
type hostsEntry struct {
	Address   string   `json:"address"`
	Hostnames []string `json:"hostnames"`
	Comment   string   `json:"comment,omitempty"`
}

type writeHostsRequest struct {
	Path    string       `json:"path"`
	Comment string       `json:"comment,omitempty"`
	Entries []hostsEntry `json:"entries"`
}

func (d *Dispatcher) handleWriteHosts(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[writeHostsRequest](payload, "dispatcher.WriteHosts")
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	if req.Comment != "" {
		fmt.Fprintf(&b, "# %s\n", req.Comment)
	}
	for _, e := range req.Entries {
		if e.Address == "" || len(e.Hostnames) == 0 {
			return nil, agenterr.New(agenterr.InvalidArgument, "dispatcher.WriteHosts", "(hostsEntry, address/hostnames)")
		}
		fmt.Fprintf(&b, "%s\t%s", e.Address, strings.Join(e.Hostnames, " "))
		if e.Comment != "" {
			fmt.Fprintf(&b, " # %s", e.Comment)
		}
		b.WriteByte('\n')
	}

	if err := writeHostsAtomic(req.Path, []byte(b.String())); err != nil {
		return nil, agenterr.Errno("dispatcher.WriteHosts", err)
	}
	return nil, nil
}

// writeHostsAtomic mirrors dnsmonitor's temp-then-rename write so a
// reader never observes a partially written hosts file.
func writeHostsAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
