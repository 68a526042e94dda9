package vbox

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// VM is a single entry from `VBoxManage list vms`.
type VM struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// NIC describes one enabled network adapter of a VM.
type NIC struct {
	Slot       int    `json:"slot"`
	Type       string `json:"type"`
	MAC        string `json:"mac"`
	Cable      bool   `json:"cable"`
	Attachment string `json:"attachment,omitempty"`
}

// SharedFolder is a global shared folder mapping of a VM.
type SharedFolder struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// VMInfo holds the sandbox-relevant subset of showvminfo output:
// identity, state, resources, networking, current snapshot and shared
// folders.
type VMInfo struct {
	Name          string         `json:"name"`
	UUID          string         `json:"uuid"`
	OS            string         `json:"os"`
	State         string         `json:"state"`
	StateChanged  string         `json:"state_changed"`
	MemoryMB      int            `json:"memory_mb"`
	CPUs          int            `json:"cpus"`
	Network       []NIC          `json:"network"`
	Snapshot      string         `json:"snapshot,omitempty"`
	SnapshotUUID  string         `json:"snapshot_uuid,omitempty"`
	SharedFolders []SharedFolder `json:"shared_folders"`
}

// Snapshot is one snapshot of a VM.
type Snapshot struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// SnapshotList is the parsed snapshot tree of a VM.
type SnapshotList struct {
	Snapshots []Snapshot `json:"snapshots"`
	Current   string     `json:"current,omitempty"`
}

// GuestNetInterface is one guest network interface reported through
// guest properties.
type GuestNetInterface struct {
	Interface int    `json:"interface"`
	IP        string `json:"ip,omitempty"`
	Netmask   string `json:"netmask,omitempty"`
	Broadcast string `json:"broadcast,omitempty"`
	MAC       string `json:"mac,omitempty"`
	Status    string `json:"status,omitempty"`
}

var listVMRe = regexp.MustCompile(`^"(.+)"\s+\{([0-9a-fA-F-]+)\}$`)

// ParseListVMs parses `VBoxManage list vms` / `list runningvms` output.
func ParseListVMs(stdout string) []VM {
	var vms []VM
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := listVMRe.FindStringSubmatch(line); m != nil {
			vms = append(vms, VM{Name: m[1], UUID: m[2]})
		}
	}
	return vms
}

// parseRaw parses key=value lines from machine-readable output into a
// flat string map. Quoted values are unquoted.
func parseRaw(stdout string) map[string]string {
	data := make(map[string]string)
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, "=") {
			continue
		}
		key, value, _ := strings.Cut(line, "=")
		key = strings.Trim(strings.TrimSpace(key), `"`)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = strings.ReplaceAll(value[1:len(value)-1], `\"`, `"`)
		}
		data[key] = value
	}
	return data
}

func rawBool(raw map[string]string, key string) bool {
	switch raw[key] {
	case "on", "true", "enabled":
		return true
	}
	return false
}

func rawInt(raw map[string]string, key string) int {
	n, _ := strconv.Atoi(raw[key])
	return n
}

var (
	nicRe          = regexp.MustCompile(`^(nic|macaddress|cableconnected|natnet|hostonlyadapter|bridgeadapter)(\d+)$`)
	sharedFolderRe = regexp.MustCompile(`^SharedFolder(Name|Path)GlobalMapping(\d+)$`)
)

// ParseShowVMInfo parses `VBoxManage showvminfo --machinereadable` into
// the essential sandbox fields. Disabled NICs (type "none") are omitted.
func ParseShowVMInfo(stdout string) VMInfo {
	raw := parseRaw(stdout)

	info := VMInfo{
		Name:          raw["name"],
		UUID:          raw["UUID"],
		OS:            raw["ostype"],
		State:         raw["VMState"],
		StateChanged:  raw["VMStateChangeTime"],
		MemoryMB:      rawInt(raw, "memory"),
		CPUs:          rawInt(raw, "cpus"),
		Network:       []NIC{},
		Snapshot:      raw["CurrentSnapshotName"],
		SnapshotUUID:  raw["CurrentSnapshotUUID"],
		SharedFolders: []SharedFolder{},
	}

	nicProps := make(map[int]map[string]string)
	sfNames := make(map[int]string)
	sfPaths := make(map[int]string)
	for key, value := range raw {
		if m := nicRe.FindStringSubmatch(key); m != nil {
			idx, _ := strconv.Atoi(m[2])
			if nicProps[idx] == nil {
				nicProps[idx] = make(map[string]string)
			}
			nicProps[idx][m[1]] = value
			continue
		}
		if m := sharedFolderRe.FindStringSubmatch(key); m != nil {
			idx, _ := strconv.Atoi(m[2])
			if m[1] == "Name" {
				sfNames[idx] = value
			} else {
				sfPaths[idx] = value
			}
		}
	}

	for _, idx := range sortedKeys(nicProps) {
		nic := nicProps[idx]
		if nic["nic"] == "none" {
			continue
		}
		attachment := nic["natnet"]
		if attachment == "" {
			attachment = nic["hostonlyadapter"]
		}
		if attachment == "" {
			attachment = nic["bridgeadapter"]
		}
		info.Network = append(info.Network, NIC{
			Slot:       idx,
			Type:       nic["nic"],
			MAC:        nic["macaddress"],
			Cable:      nic["cableconnected"] == "on",
			Attachment: attachment,
		})
	}

	for _, idx := range sortedKeys(sfNames) {
		info.SharedFolders = append(info.SharedFolders, SharedFolder{
			Name: sfNames[idx],
			Path: sfPaths[idx],
		})
	}

	return info
}

// ParseSnapshotList parses `VBoxManage snapshot <vm> list --machinereadable`.
// Snapshots are returned in key-suffix order, which follows the tree
// nesting produced by VBoxManage.
func ParseSnapshotList(stdout string) SnapshotList {
	raw := parseRaw(stdout)
	list := SnapshotList{Current: raw["CurrentSnapshotName"]}

	entries := make(map[string]*Snapshot)
	for key, value := range raw {
		switch {
		case key == "CurrentSnapshotName":
			continue
		case strings.HasPrefix(key, "SnapshotName"):
			suffix := strings.TrimPrefix(key, "SnapshotName")
			snapshotEntry(entries, suffix).Name = value
		case strings.HasPrefix(key, "SnapshotUUID"):
			suffix := strings.TrimPrefix(key, "SnapshotUUID")
			snapshotEntry(entries, suffix).UUID = value
		}
	}

	suffixes := make([]string, 0, len(entries))
	for suffix := range entries {
		suffixes = append(suffixes, suffix)
	}
	sort.Strings(suffixes)
	for _, suffix := range suffixes {
		list.Snapshots = append(list.Snapshots, *entries[suffix])
	}
	return list
}

func snapshotEntry(entries map[string]*Snapshot, suffix string) *Snapshot {
	if entries[suffix] == nil {
		entries[suffix] = &Snapshot{}
	}
	return entries[suffix]
}

var guestPropRe = regexp.MustCompile(`/VirtualBox/GuestInfo/Net/(\d+)/([^\s]+)\s+=\s+'([^']*)'`)

// ParseGuestNetProperties parses `VBoxManage guestproperty enumerate`
// output into one entry per guest network interface index.
func ParseGuestNetProperties(stdout string) []GuestNetInterface {
	interfaces := make(map[int]*GuestNetInterface)
	for _, line := range strings.Split(stdout, "\n") {
		m := guestPropRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		iface := interfaces[idx]
		if iface == nil {
			iface = &GuestNetInterface{Interface: idx}
			interfaces[idx] = iface
		}
		switch m[2] {
		case "V4/IP":
			iface.IP = m[3]
		case "V4/Netmask":
			iface.Netmask = m[3]
		case "V4/Broadcast":
			iface.Broadcast = m[3]
		case "MAC":
			iface.MAC = m[3]
		case "Status":
			iface.Status = m[3]
		}
	}

	var result []GuestNetInterface
	for _, idx := range sortedKeys(interfaces) {
		result = append(result, *interfaces[idx])
	}
	return result
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
