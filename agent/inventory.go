package main

import (
	"bufio"
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/itskum47/AutoPatch/protocol"
)

const (
	pmApt     = "apt"
	pmDnf     = "dnf"
	pmYum     = "yum"
	pmUnknown = "unknown"
)

// Collector gathers the host inventory. Paths are resolved under root so
// tests can supply a fake filesystem.
type Collector struct {
	run      Runner
	lookPath func(string) (string, error)
	hostname func() (string, error)
	hostIP   func(hostname string) string
	root     string
}

func NewCollector(run Runner) *Collector {
	return &Collector{
		run:      run,
		lookPath: exec.LookPath,
		hostname: os.Hostname,
		hostIP:   lookupIP,
		root:     "/",
	}
}

func (c *Collector) path(p string) string {
	return filepath.Join(c.root, p)
}

func (c *Collector) has(cmd string) bool {
	_, err := c.lookPath(cmd)
	return err == nil
}

// PackageManager returns apt, dnf, yum or unknown.
func (c *Collector) PackageManager() string {
	switch {
	case c.has("apt-get"):
		return pmApt
	case c.has("dnf"):
		return pmDnf
	case c.has("yum"):
		return pmYum
	default:
		return pmUnknown
	}
}

// Collect builds a full inventory snapshot.
func (c *Collector) Collect(ctx context.Context) protocol.Inventory {
	hostname, err := c.hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	release := parseOSRelease(c.path("/etc/os-release"))
	pm := c.PackageManager()
	updates := c.listUpdates(ctx, pm)

	return protocol.Inventory{
		Hostname:        hostname,
		IP:              c.hostIP(hostname),
		OSName:          valueOr(release["NAME"], pmUnknown),
		OSVersion:       valueOr(release["VERSION_ID"], pmUnknown),
		KernelVersion:   c.kernelVersion(),
		PackageManager:  pm,
		LastUpdateTime:  c.lastUpdateTime(pm),
		RebootRequired:  c.rebootRequired(ctx, pm, updates),
		Updates:         updates,
		SecurityUpdates: c.listSecurityUpdates(ctx, pm),
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// lookupIP resolves hostname, preferring a non-loopback IPv4 address.
func lookupIP(hostname string) string {
	addrs, err := net.LookupIP(hostname)
	if err != nil || len(addrs) == 0 {
		return "127.0.0.1"
	}
	fallback := ""
	for _, ip := range addrs {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		if !v4.IsLoopback() {
			return v4.String()
		}
		if fallback == "" {
			fallback = v4.String()
		}
	}
	if fallback != "" {
		return fallback
	}
	return addrs[0].String()
}

func (c *Collector) kernelVersion() string {
	data, err := os.ReadFile(c.path("/proc/sys/kernel/osrelease"))
	if err != nil {
		return pmUnknown
	}
	return valueOr(strings.TrimSpace(string(data)), pmUnknown)
}

// parseOSRelease reads KEY=VALUE pairs from an os-release file.
func parseOSRelease(path string) map[string]string {
	values := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		return values
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return values
}

func (c *Collector) lastUpdateTime(pm string) *time.Time {
	var candidates []string
	switch pm {
	case pmApt:
		candidates = []string{"/var/lib/apt/periodic/update-success-stamp", "/var/lib/apt/periodic/upgrade-stamp"}
	case pmDnf, pmYum:
		candidates = []string{"/var/log/dnf.log", "/var/log/yum.log"}
	}
	for _, p := range candidates {
		if info, err := os.Stat(c.path(p)); err == nil {
			t := info.ModTime().UTC()
			return &t
		}
	}
	return nil
}

func (c *Collector) listUpdates(ctx context.Context, pm string) []protocol.Update {
	switch pm {
	case pmApt:
		code, out, _, err := c.run.Run(ctx, "apt-get", "-s", "upgrade")
		if err == nil && code == 0 {
			return parseAptUpdates(out)
		}
	case pmDnf, pmYum:
		// check-update exits 100 when updates are available.
		code, out, _, err := c.run.Run(ctx, pm, "-q", "check-update")
		if err == nil && (code == 0 || code == 100) {
			return parseYumUpdates(out)
		}
	}
	return []protocol.Update{}
}

func (c *Collector) listSecurityUpdates(ctx context.Context, pm string) []protocol.Update {
	switch pm {
	case pmApt:
		if !c.has("unattended-upgrades") {
			break
		}
		code, out, _, err := c.run.Run(ctx, "unattended-upgrades", "--dry-run")
		if err == nil && code == 0 {
			return parseAptSecurity(out)
		}
	case pmDnf, pmYum:
		code, out, _, err := c.run.Run(ctx, pm, "updateinfo", "list", "security")
		if err == nil && code == 0 {
			return parseYumSecurity(out)
		}
	}
	return []protocol.Update{}
}

func (c *Collector) rebootRequired(ctx context.Context, pm string, updates []protocol.Update) bool {
	switch pm {
	case pmApt:
		_, err := os.Stat(c.path("/var/run/reboot-required"))
		return err == nil
	case pmDnf, pmYum:
		if c.has("needs-restarting") {
			code, _, _, err := c.run.Run(ctx, "needs-restarting", "-r")
			return err == nil && code != 0
		}
		for _, u := range updates {
			if strings.HasPrefix(u.Name, "kernel") {
				return true
			}
		}
	}
	return false
}

// parseAptUpdates reads "apt-get -s upgrade" output, e.g.
//
//	Inst openssl [3.0.2-0ubuntu1.10] (3.0.2-0ubuntu1.12 Ubuntu:22.04/jammy-updates [amd64])
func parseAptUpdates(output string) []protocol.Update {
	updates := []protocol.Update{}
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "Inst" {
			continue
		}
		u := protocol.Update{Name: fields[1]}
		// The installed version is bracketed before the candidate's
		// parenthesis; the architecture is bracketed inside it.
		head, tail, _ := strings.Cut(line, "(")
		if _, rest, ok := strings.Cut(head, "["); ok {
			if current, _, ok := strings.Cut(rest, "]"); ok {
				u.CurrentVersion = &current
			}
		}
		if candidate := strings.Fields(tail); len(candidate) > 0 {
			u.CandidateVersion = &candidate[0]
		}
		updates = append(updates, u)
	}
	return updates
}

// parseYumUpdates reads "check-update" output: name, candidate, repository.
func parseYumUpdates(output string) []protocol.Update {
	updates := []protocol.Update{}
	for _, line := range strings.Split(output, "\n") {
		if line == "" || strings.HasPrefix(line, "Last metadata expiration check") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		candidate := fields[1]
		updates = append(updates, protocol.Update{Name: fields[0], CandidateVersion: &candidate})
	}
	return updates
}

func parseAptSecurity(output string) []protocol.Update {
	updates := []protocol.Update{}
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "Inst" {
			continue
		}
		updates = append(updates, protocol.Update{Name: fields[1], IsSecurity: true})
	}
	return updates
}

// parseYumSecurity reads "updateinfo list security" output: advisory,
// severity, package.
func parseYumSecurity(output string) []protocol.Update {
	updates := []protocol.Update{}
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, "Last metadata expiration check") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		updates = append(updates, protocol.Update{Name: fields[2], IsSecurity: true})
	}
	return updates
}
