// Package rpm reads installed RPM packages, either from the output of
// `rpm -qa` run inside the image or from the rpm database files themselves.
package rpm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	rpmdb "github.com/knqyf263/go-rpmdb/pkg"

	"github.com/bibin-skaria/imginv/frontends"
	"github.com/bibin-skaria/imginv/internal/types"
	"github.com/bibin-skaria/imginv/layers"
)

const DatabaseAction = "rpmdb"

// QueryFormat is the rpm --qf format ParseRpmQueryOutput understands
const QueryFormat = `%{NAME}\t%|EPOCH?{%{EPOCH}:}|%{VERSION}-%{RELEASE}\t%{SIZE}\n`

// DatabasePaths are the locations of the Berkeley DB, NDB and SQLite backends
var DatabasePaths = []string{
	"/var/lib/rpm/Packages",
	"/var/lib/rpm/Packages.db",
	"/var/lib/rpm/rpmdb.sqlite",
	"/usr/lib/sysimage/rpm/Packages.db",
	"/usr/lib/sysimage/rpm/rpmdb.sqlite",
}

type RpmFrontend struct{}

func init() {
	layers.RegisterAction(layers.MustGlobAction(DatabaseAction, func(ctx context.Context, r io.Reader) (interface{}, error) {
		return ReadDatabase(ctx, r)
	}, DatabasePaths...))

	frontends.RegisterFrontend("rpm", &RpmFrontend{})
}

func (f *RpmFrontend) Type() types.AnalysisType {
	return types.AnalysisTypeRpm
}

// Analyze prefers explicit query output over the database found in the image
func (f *RpmFrontend) Analyze(extracted types.ExtractedLayers, opts *frontends.Options) ([]*types.PackageRecord, error) {
	if opts != nil && strings.TrimSpace(opts.RpmQueryOutput) != "" {
		return ParseRpmQueryOutput(opts.RpmQueryOutput), nil
	}
	for _, p := range DatabasePaths {
		if recs, ok := extracted[p][DatabaseAction].([]*types.PackageRecord); ok && len(recs) > 0 {
			return recs, nil
		}
	}
	return nil, nil
}

// ParseRpmQueryOutput parses lines of NAME, [EPOCH:]VERSION-RELEASE and SIZE
// separated by tabs.
func ParseRpmQueryOutput(output string) []*types.PackageRecord {
	var records []*types.PackageRecord
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.Trim(scanner.Text(), "\" \r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		records = append(records, &types.PackageRecord{
			Name:    fields[0],
			Version: fields[1],
		})
	}
	return records
}

// ReadDatabase lists the packages of an rpm database. The database library
// needs a file path, so the content is staged in a temporary file.
func ReadDatabase(ctx context.Context, r io.Reader) ([]*types.PackageRecord, error) {
	tmp, err := os.CreateTemp("", "imginv-rpmdb-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	db, err := rpmdb.Open(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("open rpm database: %w", err)
	}
	defer db.Close()

	pkgs, err := db.ListPackages()
	if err != nil {
		return nil, fmt.Errorf("list rpm packages: %w", err)
	}

	records := make([]*types.PackageRecord, 0, len(pkgs))
	for _, pkg := range pkgs {
		rec := &types.PackageRecord{
			Name:     pkg.Name,
			Version:  formatVersion(pkg.Epoch, pkg.Version, pkg.Release),
			Provides: pkg.Provides,
		}
		for _, req := range pkg.Requires {
			if strings.HasPrefix(req, "rpmlib(") {
				continue
			}
			rec.AddDep(req)
		}
		records = append(records, rec)
	}
	return records, nil
}

func formatVersion(epoch *int, version, release string) string {
	v := version
	if release != "" {
		v += "-" + release
	}
	if epoch != nil {
		v = fmt.Sprintf("%d:%s", *epoch, v)
	}
	return v
}
