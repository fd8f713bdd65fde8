package frontends

import (
	"fmt"
	"sort"

	"github.com/bibin-skaria/imginv/internal/types"
)

// Options carries inputs that do not come from the image filesystem
type Options struct {
	// RpmQueryOutput is the output of `rpm -qa` run inside the image, if any
	RpmQueryOutput string
}

// Frontend turns extracted package-database files into package records
type Frontend interface {
	Type() types.AnalysisType
	Analyze(extracted types.ExtractedLayers, opts *Options) ([]*types.PackageRecord, error)
}

var frontends = make(map[string]Frontend)

func RegisterFrontend(name string, frontend Frontend) {
	frontends[name] = frontend
}

func GetFrontend(name string) (Frontend, error) {
	frontend, exists := frontends[name]
	if !exists {
		return nil, fmt.Errorf("frontend %s not found", name)
	}
	return frontend, nil
}

func ListFrontends() []string {
	names := make([]string, 0, len(frontends))
	for name := range frontends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// analysisOrder is the precedence used to pick the image's package manager
var analysisOrder = []types.AnalysisType{
	types.AnalysisTypeApk,
	types.AnalysisTypeApt,
	types.AnalysisTypeRpm,
}

func rank(t types.AnalysisType) int {
	for i, o := range analysisOrder {
		if o == t {
			return i
		}
	}
	return len(analysisOrder)
}

// Analyze runs every registered frontend and returns one analysis per frontend
// in precedence order. A frontend that fails contributes an error and an empty
// analysis.
func Analyze(extracted types.ExtractedLayers, opts *Options) ([]types.ImageAnalysis, []error) {
	if opts == nil {
		opts = &Options{}
	}

	registered := make([]Frontend, 0, len(frontends))
	for _, name := range ListFrontends() {
		registered = append(registered, frontends[name])
	}
	sort.SliceStable(registered, func(i, j int) bool {
		return rank(registered[i].Type()) < rank(registered[j].Type())
	})

	var analyses []types.ImageAnalysis
	var errs []error
	for _, f := range registered {
		pkgs, err := f.Analyze(extracted, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s analysis: %w", f.Type(), err))
			pkgs = nil
		}
		analyses = append(analyses, types.ImageAnalysis{Type: f.Type(), Packages: pkgs})
	}
	return analyses, errs
}

// SelectAnalysis returns the first analysis that found packages. Images without
// a known package manager (scratch, distroless static) get an empty Linux analysis.
func SelectAnalysis(analyses []types.ImageAnalysis) types.ImageAnalysis {
	for _, a := range analyses {
		if len(a.Packages) > 0 {
			return a
		}
	}
	return types.ImageAnalysis{Type: types.AnalysisTypeLinux, Packages: []*types.PackageRecord{}}
}

// RecordsFrom collects copies of the []*types.PackageRecord results action
// produced, in path order. Frontends may modify the copies freely.
func RecordsFrom(extracted types.ExtractedLayers, action string) []*types.PackageRecord {
	var paths []string
	for p, results := range extracted {
		if _, ok := results[action]; ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var records []*types.PackageRecord
	for _, p := range paths {
		if recs, ok := extracted[p][action].([]*types.PackageRecord); ok {
			for _, rec := range recs {
				records = append(records, rec.Clone())
			}
		}
	}
	return records
}
