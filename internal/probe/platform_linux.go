//go:build linux

package probe

import (
	"bufio"
	"context"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// TracerPID reads TracerPid from /proc/self/status.
func (p *Platform) TracerPID() (int, error) {
	f, err := os.Open(filepath.Join(p.opts.ProcRoot, "self", "status"))
	if err != nil {
		return 0, fmt.Errorf("opening status: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "TracerPid:")))
		if err != nil {
			return 0, fmt.Errorf("parsing TracerPid: %w", err)
		}
		return pid, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("reading status: %w", err)
	}
	return 0, fmt.Errorf("TracerPid not found in status")
}

// DenyDebuggerAttach clears the dumpable flag, which stops unprivileged
// ptrace attach and /proc/self/mem access by other processes.
func (p *Platform) DenyDebuggerAttach() error {
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl PR_SET_DUMPABLE: %w", err)
	}
	return nil
}

// MemoryMappings parses /proc/self/maps.
func (p *Platform) MemoryMappings(ctx context.Context) ([]Mapping, error) {
	f, err := os.Open(filepath.Join(p.opts.ProcRoot, "self", "maps"))
	if err != nil {
		return nil, fmt.Errorf("opening maps: %w", err)
	}
	defer f.Close()

	var out []Mapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if m, ok := parseMapsLine(scanner.Text()); ok {
			out = append(out, m)
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("reading maps: %w", err)
	}
	return out, nil
}

// parseMapsLine parses one line of the form
// "start-end perms offset dev inode [path]".
func parseMapsLine(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false
	}
	bounds := strings.SplitN(fields[0], "-", 2)
	if len(bounds) != 2 {
		return Mapping{}, false
	}
	start, err := strconv.ParseUint(bounds[0], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	end, err := strconv.ParseUint(bounds[1], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	m := Mapping{Start: start, End: end, Perms: fields[1]}
	if len(fields) >= 6 {
		m.Path = strings.Join(fields[5:], " ")
	}
	return m, true
}

// LoadedLibraries returns the distinct shared objects in the memory map.
func (p *Platform) LoadedLibraries(ctx context.Context) ([]string, error) {
	maps, err := p.MemoryMappings(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var libs []string
	for _, m := range maps {
		if !isSharedObject(m.Path) || seen[m.Path] {
			continue
		}
		seen[m.Path] = true
		libs = append(libs, m.Path)
	}
	return libs, nil
}

func isSharedObject(path string) bool {
	if !strings.HasPrefix(path, "/") {
		return false
	}
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".so") || strings.Contains(base, ".so.")
}

// LookupSymbol searches the dynamic symbol tables of every loaded library.
// Symbol tables are cached per library path.
func (p *Platform) LookupSymbol(ctx context.Context, name string) (bool, error) {
	libs, err := p.LoadedLibraries(ctx)
	if err != nil {
		return false, err
	}
	for _, lib := range libs {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		syms := p.symbols(lib)
		if _, ok := syms[name]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (p *Platform) symbols(lib string) map[string]struct{} {
	p.symMu.Lock()
	defer p.symMu.Unlock()
	if syms, ok := p.symCache[lib]; ok {
		return syms
	}
	syms := make(map[string]struct{})
	if f, err := elf.Open(lib); err == nil {
		if dyn, err := f.DynamicSymbols(); err == nil {
			for _, s := range dyn {
				if s.Section != elf.SHN_UNDEF {
					syms[s.Name] = struct{}{}
				}
			}
		}
		f.Close()
	}
	p.symCache[lib] = syms
	return syms
}

// EffectiveUID returns geteuid().
func (p *Platform) EffectiveUID() int {
	return unix.Geteuid()
}

// fillPlatformFingerprint adds Android build properties and DMI vendor data.
func (p *Platform) fillPlatformFingerprint(fp *Fingerprint) {
	for _, path := range p.opts.BuildPropPaths {
		props, err := readBuildProps(path)
		if err != nil {
			continue
		}
		for k, v := range props {
			fp.Props[k] = v
		}
	}
	fp.Manufacturer = firstNonEmpty(fp.Props["ro.product.manufacturer"], readTrimmed("/sys/class/dmi/id/sys_vendor"))
	fp.Model = firstNonEmpty(fp.Props["ro.product.model"], readTrimmed("/sys/class/dmi/id/product_name"))
	fp.Hardware = fp.Props["ro.hardware"]
	fp.Product = fp.Props["ro.product.name"]
	fp.BuildFingerprint = fp.Props["ro.build.fingerprint"]
}

// readBuildProps parses key=value lines, skipping comments.
func readBuildProps(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	props := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return props, scanner.Err()
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
