// Package dnsmonitor implements the DNS monitor (§4.4): a long-running
// router-solicitation/advertisement cycle that merges learned IPv6
// RDNSS entries with host-provided resolver configuration and rewrites
// resolver files atomically. Grounded on sshimmer.SafeWriteFile's
// temp-then-rename pattern, generalized from a single ssh known_hosts
// file to the §4.4 multi-path resolver registry.
package dnsmonitor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// HostConfig is the last host-provided resolver configuration for one
// resolver-file path.
type HostConfig struct {
	Nameservers []string
	Domain      string
	Search      []string
	Options     []string
}

// learnedServer is an IPv6 nameserver discovered via router
// advertisement, with an absolute expiry.
type learnedServer struct {
	addr   string
	expiry time.Time
}

// registration tracks one resolver-file path's merged state.
type registration struct {
	path    string
	host    HostConfig
	learned []learnedServer
}

func sanitizeDomain(op, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	fq := dns.Fqdn(name)
	if !dns.IsDomainName(fq) {
		return "", fmt.Errorf("%s: invalid domain name %q", op, name)
	}
	return name, nil
}

// merge updates r.learned with incoming (address, lifetime) pairs per
// §4.4 step 3: existing entries are refreshed or dropped on zero
// lifetime; unseen entries with nonzero lifetime are appended.
func (r *registration) merge(now time.Time, incoming map[string]uint32) {
	next := r.learned[:0]
	seen := map[string]bool{}
	for _, ls := range r.learned {
		seen[ls.addr] = true
		lifetime, ok := incoming[ls.addr]
		if !ok {
			next = append(next, ls)
			continue
		}
		if lifetime == 0 {
			continue // dropped
		}
		next = append(next, learnedServer{addr: ls.addr, expiry: now.Add(time.Duration(lifetime) * time.Second)})
	}
	r.learned = next

	// Stable order for new entries so tests are deterministic.
	var fresh []string
	for addr := range incoming {
		if !seen[addr] {
			fresh = append(fresh, addr)
		}
	}
	sort.Strings(fresh)
	for _, addr := range fresh {
		lifetime := incoming[addr]
		if lifetime == 0 {
			continue // never-seen entry with zero lifetime is a no-op, per the open question in spec.md §9
		}
		r.learned = append(r.learned, learnedServer{addr: addr, expiry: now.Add(time.Duration(lifetime) * time.Second)})
	}
}

// minRemaining returns the minimum positive remaining lifetime across
// r.learned, or (0, false) if there are none.
func (r *registration) minRemaining(now time.Time) (time.Duration, bool) {
	var min time.Duration
	found := false
	for _, ls := range r.learned {
		remaining := ls.expiry.Sub(now)
		if remaining <= 0 {
			continue
		}
		if !found || remaining < min {
			min, found = remaining, true
		}
	}
	return min, found
}

// render produces the resolv.conf-format bytes for this registration:
// host-provided nameservers first, truncated to 2 when any learned
// entries exist, then learned IPv6 entries, with a hard cap of 3 total.
func (r *registration) render() []byte {
	var lines []string

	host := r.host.Nameservers
	if len(r.learned) > 0 && len(host) > 2 {
		host = host[:2]
	}

	total := 0
	for _, ns := range host {
		if total >= 3 {
			break
		}
		lines = append(lines, "nameserver "+ns)
		total++
	}
	for _, ls := range r.learned {
		if total >= 3 {
			break
		}
		lines = append(lines, "nameserver "+ls.addr)
		total++
	}

	if r.host.Domain != "" {
		lines = append(lines, "domain "+r.host.Domain)
	}
	if len(r.host.Search) > 0 {
		lines = append(lines, "search "+strings.Join(r.host.Search, " "))
	}
	if len(r.host.Options) > 0 {
		lines = append(lines, "options "+strings.Join(r.host.Options, " "))
	}

	out := strings.Join(lines, "\n")
	if out != "" {
		out += "\n"
	}
	return []byte(out)
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("dnsmonitor: create temp resolver file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("dnsmonitor: write temp resolver file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("dnsmonitor: sync temp resolver file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("dnsmonitor: close temp resolver file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("dnsmonitor: chmod temp resolver file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("dnsmonitor: rename resolver file: %w", err)
	}
	return nil
}
