package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/pietroalbini/fisher/internal/provider"
)

func mustSchemaSet() *schemaSet {
	set, err := newSchemaSet()
	if err != nil {
		panic(err)
	}
	return set
}

var registrySchemas = mustSchemaSet()

// Snapshot is an immutable view of every loaded script, built once per
// scan/reload cycle and shared by every consumer that holds it (spec.md
// §3: "Consumers hold a shared snapshot; the old snapshot is retained
// until its last reference drops" — in Go this falls out of ordinary
// garbage collection once no goroutine references the old *Snapshot).
type Snapshot struct {
	byName      map[string]*Descriptor
	statusHooks []*Descriptor
}

// Lookup returns the descriptor for an exact, case-sensitive script name,
// as matched against a "/hook/<name>" path (spec.md §4.2).
func (s *Snapshot) Lookup(name string) (*Descriptor, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// All returns every loaded descriptor, in no particular order.
func (s *Snapshot) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(s.byName))
	for _, d := range s.byName {
		out = append(out, d)
	}
	return out
}

// StatusHooksFor returns the status hooks subscribed to event and whose
// Scripts filter (if any) matches sourceScript, implementing the index
// described in spec.md §3 ("status hooks subscribed to event E filtered
// by source S").
func (s *Snapshot) StatusHooksFor(event, sourceScript string) []*Descriptor {
	var out []*Descriptor
	for _, hook := range s.statusHooks {
		if !containsString(hook.Status.Events, event) {
			continue
		}
		if len(hook.Status.Scripts) > 0 && !containsString(hook.Status.Scripts, sourceScript) {
			continue
		}
		out = append(out, hook)
	}
	return out
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Options configures a scan of the scripts directory.
type Options struct {
	Root      string
	Recursive bool
}

// Load scans root (descending into subdirectories, following symlinks, if
// Recursive is set) and builds a Snapshot. Per spec.md §4.1, a malformed
// script is logged and excluded; scanning continues. Load itself only
// fails if the root directory cannot be read at all.
func Load(ctx context.Context, opts Options, logger *slog.Logger) (*Snapshot, error) {
	entries, err := collectCandidates(opts.Root, opts.Recursive)
	if err != nil {
		return nil, fmt.Errorf("scanning scripts directory %q: %w", opts.Root, err)
	}

	var descriptors []*Descriptor
	for _, c := range entries {
		desc, err := loadOne(c.name, c.path)
		if err != nil {
			logger.ErrorContext(ctx, "excluding script from registry",
				"script", c.name, "path", c.path, "error", err)
			continue
		}
		descriptors = append(descriptors, desc)
	}

	return BuildSnapshot(descriptors), nil
}

// BuildSnapshot assembles a Snapshot directly from already-loaded
// descriptors, indexing status hooks as Load does. Exposed so that
// callers outside this package — notably internal/statusfanout's tests —
// can construct a Snapshot without going through the filesystem scanner.
func BuildSnapshot(descriptors []*Descriptor) *Snapshot {
	byName := make(map[string]*Descriptor, len(descriptors))
	var statusHooks []*Descriptor
	for _, desc := range descriptors {
		byName[desc.Name] = desc
		if desc.IsStatusHook() {
			statusHooks = append(statusHooks, desc)
		}
	}
	return &Snapshot{byName: byName, statusHooks: statusHooks}
}

type candidate struct {
	name string // path relative to root, including subdirectory separators
	path string // absolute filesystem path
}

// collectCandidates walks root looking for files executable by the
// daemon's effective user. filepath.WalkDir does not follow symlinked
// directories by default, so recursive mode re-resolves each entry with
// os.Stat to decide whether to descend into it.
func collectCandidates(root string, recursive bool) ([]candidate, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(absRoot); err != nil {
		return nil, err
	}

	var out []candidate
	var walk func(dir, relPrefix string) error
	walk = func(dir, relPrefix string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())
			rel := entry.Name()
			if relPrefix != "" {
				rel = relPrefix + string(filepath.Separator) + entry.Name()
			}

			info, err := os.Stat(full) // follows symlinks
			if err != nil {
				continue
			}

			if info.IsDir() {
				if recursive {
					if err := walk(full, rel); err != nil {
						return err
					}
				}
				continue
			}

			if !isExecutable(info) {
				continue
			}
			out = append(out, candidate{name: rel, path: full})
		}
		return nil
	}

	if err := walk(absRoot, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func isExecutable(info fs.FileInfo) bool {
	perm := info.Mode().Perm()
	st, ok := info.Sys().(*syscall.Stat_t)
	euid := os.Geteuid()
	if !ok || euid == 0 {
		return perm&0o111 != 0
	}
	if int(st.Uid) == euid {
		return perm&0o100 != 0
	}
	groups, _ := os.Getgroups()
	for _, gid := range append(groups, os.Getegid()) {
		if int(st.Gid) == gid {
			return perm&0o010 != 0
		}
	}
	return perm&0o001 != 0
}

// loadOne parses a single script's header comments into a Descriptor.
func loadOne(name, path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	parsed, err := parseHeader(f, path)
	if err != nil {
		return nil, err
	}

	desc := &Descriptor{
		Name:     name,
		ExecPath: path,
		Priority: defaultPriority,
		Parallel: true,
	}
	if parsed.preferences.Priority != nil {
		desc.Priority = *parsed.preferences.Priority
	}
	if parsed.preferences.Parallel != nil {
		desc.Parallel = *parsed.preferences.Parallel
	}

	for _, d := range parsed.directives {
		if d.name == "Status" {
			var cfg StatusConfig
			if err := json.Unmarshal(d.value, &cfg); err != nil {
				return nil, fmt.Errorf("%s:%d: decoding Fisher-Status: %w", path, d.line, err)
			}
			desc.Status = &cfg
			if parsed.preferences.Priority == nil {
				desc.Priority = defaultStatusPriority
			}
			continue
		}

		prov, err := provider.New(d.name, d.value)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, d.line, err)
		}
		desc.Providers = append(desc.Providers, prov)
	}

	return desc, nil
}
