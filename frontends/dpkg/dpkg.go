// Package dpkg reads the Debian package database: /var/lib/dpkg/status, the
// per-package files distroless images keep under /var/lib/dpkg/status.d and the
// apt auto-installed markers in /var/lib/apt/extended_states.
package dpkg

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/bibin-skaria/imginv/frontends"
	"github.com/bibin-skaria/imginv/internal/types"
	"github.com/bibin-skaria/imginv/layers"
)

const (
	StatusAction         = "dpkg-status"
	StatusDirAction      = "dpkg-status-d"
	ExtendedStatesAction = "apt-extended-states"

	StatusFile         = "/var/lib/dpkg/status"
	StatusDir          = "/var/lib/dpkg/status.d"
	ExtendedStatesFile = "/var/lib/apt/extended_states"
)

type DpkgFrontend struct{}

func init() {
	layers.RegisterAction(layers.MustGlobAction(StatusAction, parseStatusAction(true), StatusFile))
	layers.RegisterAction(layers.MustGlobAction(StatusDirAction, parseStatusAction(false), StatusDir+"/*"))
	layers.RegisterAction(layers.MustGlobAction(ExtendedStatesAction, func(_ context.Context, r io.Reader) (interface{}, error) {
		return ParseExtendedStates(r)
	}, ExtendedStatesFile))

	frontends.RegisterFrontend("dpkg", &DpkgFrontend{})
}

func parseStatusAction(requireInstalled bool) layers.ActionFunc {
	return func(_ context.Context, r io.Reader) (interface{}, error) {
		return ParseStatus(r, requireInstalled)
	}
}

func (d *DpkgFrontend) Type() types.AnalysisType {
	return types.AnalysisTypeApt
}

// Analyze merges the status file and status.d entries and applies the
// extended_states auto-installed markers.
func (d *DpkgFrontend) Analyze(extracted types.ExtractedLayers, _ *frontends.Options) ([]*types.PackageRecord, error) {
	records := frontends.RecordsFrom(extracted, StatusAction)
	records = append(records, frontends.RecordsFrom(extracted, StatusDirAction)...)
	if len(records) == 0 {
		return nil, nil
	}

	if results, ok := extracted[ExtendedStatesFile]; ok {
		if auto, ok := results[ExtendedStatesAction].(map[string]bool); ok {
			for _, rec := range records {
				if auto[rec.Name] {
					rec.AutoInstalled = true
				}
			}
		}
	}
	return records, nil
}

// stanza is one paragraph of a deb822 control file, keyed by field name
type stanza map[string]string

// readStanzas splits deb822 content into paragraphs. Continuation lines are
// folded into the previous field.
func readStanzas(r io.Reader, fn func(stanza)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	current := stanza{}
	var lastKey string
	flush := func() {
		if len(current) > 0 {
			fn(current)
		}
		current = stanza{}
		lastKey = ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if lastKey != "" {
				current[lastKey] += "\n" + strings.TrimSpace(line)
			}
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		lastKey = strings.TrimSpace(key)
		current[lastKey] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	flush()
	return nil
}

// ParseStatus parses a dpkg status document. With requireInstalled, stanzas
// whose Status is not "install ok installed" are skipped.
func ParseStatus(r io.Reader, requireInstalled bool) ([]*types.PackageRecord, error) {
	var records []*types.PackageRecord
	err := readStanzas(r, func(s stanza) {
		name := s["Package"]
		if name == "" {
			return
		}
		if status, ok := s["Status"]; ok || requireInstalled {
			if !isInstalled(status) {
				return
			}
		}

		rec := &types.PackageRecord{
			Name:    name,
			Version: s["Version"],
			Source:  sourceName(s["Source"]),
		}
		rec.Provides = parseNames(s["Provides"])
		for _, dep := range parseNames(s["Pre-Depends"]) {
			rec.AddDep(dep)
		}
		for _, dep := range parseNames(s["Depends"]) {
			rec.AddDep(dep)
		}
		records = append(records, rec)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ParseExtendedStates returns the set of package names apt marked as
// automatically installed.
func ParseExtendedStates(r io.Reader) (map[string]bool, error) {
	auto := make(map[string]bool)
	err := readStanzas(r, func(s stanza) {
		if s["Auto-Installed"] == "1" && s["Package"] != "" {
			auto[s["Package"]] = true
		}
	})
	if err != nil {
		return nil, err
	}
	return auto, nil
}

func isInstalled(status string) bool {
	fields := strings.Fields(status)
	return len(fields) == 3 && fields[2] == "installed"
}

// sourceName drops the optional "(version)" from a Source field
func sourceName(source string) string {
	if i := strings.IndexByte(source, '('); i >= 0 {
		source = source[:i]
	}
	return strings.TrimSpace(source)
}

// parseNames extracts package names from a relationship field such as
// "libc6 (>= 2.28), debconf (>= 0.5) | debconf-2.0, python3:any". Every
// alternative is kept; names that are not installed never resolve.
func parseNames(field string) []string {
	if strings.TrimSpace(field) == "" {
		return nil
	}
	seen := make(map[string]bool)
	var names []string
	for _, group := range strings.Split(field, ",") {
		for _, alt := range strings.Split(group, "|") {
			name := strings.TrimSpace(alt)
			if i := strings.IndexAny(name, " (["); i >= 0 {
				name = name[:i]
			}
			if i := strings.IndexByte(name, ':'); i >= 0 {
				name = name[:i]
			}
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
