// Package apk reads the Alpine package database
package apk

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
	InstalledAction = "apk-installed"
	WorldAction     = "apk-world"

	InstalledFile = "/lib/apk/db/installed"
	WorldFile     = "/etc/apk/world"
)

type ApkFrontend struct{}

func init() {
	layers.RegisterAction(layers.MustGlobAction(InstalledAction, func(_ context.Context, r io.Reader) (interface{}, error) {
		return ParseInstalled(r)
	}, InstalledFile))
	layers.RegisterAction(layers.MustGlobAction(WorldAction, func(_ context.Context, r io.Reader) (interface{}, error) {
		return ParseWorld(r)
	}, WorldFile))

	frontends.RegisterFrontend("apk", &ApkFrontend{})
}

func (a *ApkFrontend) Type() types.AnalysisType {
	return types.AnalysisTypeApk
}

// Analyze returns the installed packages. When the image has a world file,
// packages not listed in it were pulled in as dependencies.
func (a *ApkFrontend) Analyze(extracted types.ExtractedLayers, _ *frontends.Options) ([]*types.PackageRecord, error) {
	records := frontends.RecordsFrom(extracted, InstalledAction)
	if len(records) == 0 {
		return nil, nil
	}

	if results, ok := extracted[WorldFile]; ok {
		if world, ok := results[WorldAction].(map[string]bool); ok {
			for _, rec := range records {
				rec.AutoInstalled = !world[rec.Name]
			}
		}
	}
	return records, nil
}

// ParseInstalled parses /lib/apk/db/installed. Each package is a block of
// "X:value" lines; blocks are separated by blank lines.
func ParseInstalled(r io.Reader) ([]*types.PackageRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var records []*types.PackageRecord
	var current *types.PackageRecord
	flush := func() {
		if current != nil && current.Name != "" {
			records = append(records, current)
		}
		current = nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}
		if len(line) < 2 || line[1] != ':' {
			continue
		}
		if current == nil {
			current = &types.PackageRecord{}
		}

		value := line[2:]
		switch line[0] {
		case 'P':
			current.Name = value
		case 'V':
			current.Version = value
		case 'o':
			current.Source = value
		case 'p':
			for _, p := range strings.Fields(value) {
				current.Provides = append(current.Provides, stripConstraint(p))
			}
		case 'D':
			for _, d := range strings.Fields(value) {
				if strings.HasPrefix(d, "!") {
					continue
				}
				current.AddDep(stripConstraint(d))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	return records, nil
}

// ParseWorld returns the names of explicitly installed packages
func ParseWorld(r io.Reader) (map[string]bool, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	world := make(map[string]bool)
	for _, entry := range strings.Fields(string(b)) {
		if strings.HasPrefix(entry, "!") {
			continue
		}
		if i := strings.IndexByte(entry, '@'); i >= 0 {
			entry = entry[:i]
		}
		if name := stripConstraint(entry); name != "" {
			world[name] = true
		}
	}
	return world, nil
}

// stripConstraint drops a version constraint: "so:libc.musl-x86_64.so.1=1" and
// "busybox>=1.31" become "so:libc.musl-x86_64.so.1" and "busybox".
func stripConstraint(s string) string {
	if i := strings.IndexAny(s, "<>=~"); i >= 0 {
		return s[:i]
	}
	return s
}
