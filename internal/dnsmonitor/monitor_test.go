package dnsmonitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// TestMergeTruncation is spec.md §8 scenario 6: host config has four
// nameservers, two are already learned; the emitted file truncates host
// entries to 2 and caps the total at 3, host-provided first.
func TestMergeTruncation(t *testing.T) {
	reg := &registration{
		path: filepath.Join(t.TempDir(), "resolv.conf"),
		host: HostConfig{Nameservers: []string{"N1", "N2", "N3", "N4"}},
	}
	now := time.Now()
	reg.learned = []learnedServer{
		{addr: "L1", expiry: now.Add(time.Minute)},
		{addr: "L2", expiry: now.Add(time.Minute)},
	}

	got := string(reg.render())
	want := "nameserver N1\nnameserver N2\nnameserver L1\n"
	assert.Equal(t, got, want)
}

func TestUpdateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	m := New(nil, 0, nil)

	cfg := HostConfig{Nameservers: []string{"1.1.1.1"}, Domain: "example.com"}
	assert.NilError(t, m.Update(context.Background(), path, cfg))
	b1, err := os.ReadFile(path)
	assert.NilError(t, err)

	assert.NilError(t, m.Update(context.Background(), path, cfg))
	b2, err := os.ReadFile(path)
	assert.NilError(t, err)

	assert.DeepEqual(t, b1, b2)
}

func TestMergeDropsZeroLifetime(t *testing.T) {
	reg := &registration{learned: []learnedServer{{addr: "L1", expiry: time.Now().Add(time.Minute)}}}
	reg.merge(time.Now(), map[string]uint32{"L1": 0})
	assert.Equal(t, len(reg.learned), 0)
}
