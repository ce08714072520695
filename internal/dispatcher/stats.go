// Statistics verb (§4.10): per-container process/memory/cpu/block-io
// figures read from its cgroup v2 leaf, plus network figures collected
// by enumerating /sys/class/net eth* entries and querying each over
// netlink. Grounded on internal/container/cgroup.go's flat-file read
// idiom, generalized from cgroup lifecycle management to stat
// collection.
package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/banksean/vminitd/internal/agenterr"
)

// StatCategory names one of the §4.10 requestable statistic groups.
type StatCategory string

const (
	CatProcesses    StatCategory = "process-counts"
	CatMemory       StatCategory = "memory"
	CatCPU          StatCategory = "cpu"
	CatBlockIO      StatCategory = "block-io"
	CatNetwork      StatCategory = "network"
	CatMemoryEvents StatCategory = "memory-events"
)

type statsRequest struct {
	ContainerIDs []string       `json:"containerIds,omitempty"` // empty means all
	Categories   []StatCategory `json:"categories"`
}

type networkStats struct {
	Interface string `json:"interface"`
	RxBytes   uint64 `json:"rxBytes"`
	TxBytes   uint64 `json:"txBytes"`
	RxPackets uint64 `json:"rxPackets"`
	TxPackets uint64 `json:"txPackets"`
}

type containerStats struct {
	ContainerID  string           `json:"containerId"`
	ProcessCount int64            `json:"processCount,omitempty"`
	Memory       map[string]int64 `json:"memory,omitempty"`
	CPU          map[string]int64 `json:"cpu,omitempty"`
	BlockIO      string           `json:"blockIo,omitempty"`
	MemoryEvents map[string]int64 `json:"memoryEvents,omitempty"`
	Network      []networkStats   `json:"network,omitempty"`
	Error        string           `json:"error,omitempty"`
}

func (d *Dispatcher) handleStats(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[statsRequest](payload, "dispatcher.Stats")
	if err != nil {
		return nil, err
	}

	ids := req.ContainerIDs
	if len(ids) == 0 {
		ids = d.Containers.ContainerIDs()
	}

	wantNetwork := containsCategory(req.Categories, CatNetwork)
	var network []networkStats
	if wantNetwork {
		network, err = collectNetworkStats()
		if err != nil {
			return nil, err
		}
	}

	out := make([]containerStats, 0, len(ids))
	for _, id := range ids {
		cs := containerStats{ContainerID: id}
		cgPath, ok := d.Containers.CgroupPath(id)
		if !ok {
			cs.Error = "no cgroup: externally managed or unknown container"
			out = append(out, cs)
			continue
		}

		for _, cat := range req.Categories {
			switch cat {
			case CatProcesses:
				cs.ProcessCount = readSingleInt(filepath.Join(cgPath, "pids.current"))
			case CatMemory:
				cs.Memory = readKV(filepath.Join(cgPath, "memory.stat"))
				cs.Memory["current"] = readSingleInt(filepath.Join(cgPath, "memory.current"))
			case CatCPU:
				cs.CPU = readKV(filepath.Join(cgPath, "cpu.stat"))
			case CatBlockIO:
				b, _ := os.ReadFile(filepath.Join(cgPath, "io.stat"))
				cs.BlockIO = string(b)
			case CatMemoryEvents:
				cs.MemoryEvents = readKV(filepath.Join(cgPath, "memory.events"))
			case CatNetwork:
				cs.Network = network
			}
		}
		out = append(out, cs)
	}
	return out, nil
}

func containsCategory(cats []StatCategory, want StatCategory) bool {
	for _, c := range cats {
		if c == want {
			return true
		}
	}
	return false
}

// readKV parses a cgroup v2 flat-keyed file ("key value" per line, as
// used by cpu.stat/memory.stat/memory.events), tolerating a missing
// file (returns an empty, non-nil map).
func readKV(path string) map[string]int64 {
	out := map[string]int64{}
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		out[fields[0]] = v
	}
	return out
}

func readSingleInt(path string) int64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	v, _ := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	return v
}

// collectNetworkStats enumerates /sys/class/net entries matching
// eth*, querying each via netlink for its link statistics, per §4.10.
func collectNetworkStats() ([]networkStats, error) {
	entries, err := os.ReadDir("/sys/class/net")
	if err != nil {
		return nil, agenterr.Errno("dispatcher.collectNetworkStats", err)
	}

	var out []networkStats
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "eth") {
			continue
		}
		link, err := netlink.LinkByName(e.Name())
		if err != nil {
			continue
		}
		stats := link.Attrs().Statistics
		if stats == nil {
			continue
		}
		out = append(out, networkStats{
			Interface: e.Name(),
			RxBytes:   stats.RxBytes,
			TxBytes:   stats.TxBytes,
			RxPackets: stats.RxPackets,
			TxPackets: stats.TxPackets,
		})
	}
	return out, nil
}
