package types

import (
	"fmt"
	"runtime"
	"strings"
)

type ImageType string

const (
	ImageTypeDockerArchive ImageType = "docker-archive"
	ImageTypeOciArchive    ImageType = "oci-archive"
)

func ParseImageType(s string) (ImageType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "docker-archive", "docker", "docker-save":
		return ImageTypeDockerArchive, nil
	case "oci-archive", "oci":
		return ImageTypeOciArchive, nil
	}
	return "", fmt.Errorf("unsupported image type %q", s)
}

// AnalysisType identifies the package manager whose database produced a set of records.
type AnalysisType string

const (
	AnalysisTypeApt   AnalysisType = "Apt"
	AnalysisTypeRpm   AnalysisType = "Rpm"
	AnalysisTypeApk   AnalysisType = "Apk"
	AnalysisTypeLinux AnalysisType = "Linux"
)

// DepType returns the short package format name used in packageFormatVersion.
func (a AnalysisType) DepType() string {
	if a == AnalysisTypeApt {
		return "deb"
	}
	return strings.ToLower(string(a))
}

func (a AnalysisType) PackageFormatVersion() string {
	return a.DepType() + ":0.0.1"
}

type Platform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Variant      string `json:"variant,omitempty"`
}

func (p Platform) String() string {
	if p.Variant != "" {
		return fmt.Sprintf("%s/%s/%s", p.OS, p.Architecture, p.Variant)
	}
	return fmt.Sprintf("%s/%s", p.OS, p.Architecture)
}

func ParsePlatform(platform string) Platform {
	parts := strings.Split(platform, "/")
	if len(parts) < 2 {
		return Platform{OS: "linux", Architecture: "amd64"}
	}

	p := Platform{
		OS:           parts[0],
		Architecture: parts[1],
	}
	if len(parts) > 2 {
		p.Variant = parts[2]
	}
	return p
}

func GetHostPlatform() Platform {
	return Platform{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}
}

// PackageRecord is the normalized shape every package database parser produces.
// Deps keeps declaration order and holds each name once.
type PackageRecord struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Source        string   `json:"source,omitempty"`
	Provides      []string `json:"provides,omitempty"`
	Deps          []string `json:"deps,omitempty"`
	AutoInstalled bool     `json:"autoInstalled,omitempty"`
}

// FullName is Source/Name, or Name when the record has no source grouping.
func (r *PackageRecord) FullName() string {
	if r.Source != "" {
		return r.Source + "/" + r.Name
	}
	return r.Name
}

// Clone returns a copy that shares no slices with r
func (r *PackageRecord) Clone() *PackageRecord {
	c := *r
	if r.Provides != nil {
		c.Provides = append(make([]string, 0, len(r.Provides)), r.Provides...)
	}
	if r.Deps != nil {
		c.Deps = append(make([]string, 0, len(r.Deps)), r.Deps...)
	}
	return &c
}

// AddDep appends name to Deps unless it is already present.
func (r *PackageRecord) AddDep(name string) {
	if name == "" {
		return
	}
	for _, d := range r.Deps {
		if d == name {
			return
		}
	}
	r.Deps = append(r.Deps, name)
}

type DependencyNode struct {
	Name         string                     `json:"name" yaml:"name"`
	Version      string                     `json:"version,omitempty" yaml:"version,omitempty"`
	Dependencies map[string]*DependencyNode `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	// order holds child keys in insertion order for renderers
	order []string
}

func NewDependencyNode(name, version string) *DependencyNode {
	return &DependencyNode{Name: name, Version: version}
}

// AddChild inserts child under key. An existing key is never overwritten.
func (n *DependencyNode) AddChild(key string, child *DependencyNode) bool {
	if child == nil {
		return false
	}
	if n.Dependencies == nil {
		n.Dependencies = make(map[string]*DependencyNode)
	}
	if _, exists := n.Dependencies[key]; exists {
		return false
	}
	n.Dependencies[key] = child
	n.order = append(n.order, key)
	return true
}

// ChildKeys returns child keys in the order they were attached.
func (n *DependencyNode) ChildKeys() []string {
	keys := make([]string, len(n.order))
	copy(keys, n.order)
	return keys
}

type OSRelease struct {
	Name       string `json:"name" yaml:"name"`
	Version    string `json:"version" yaml:"version"`
	PrettyName string `json:"prettyName" yaml:"prettyName"`
}

// DepTree is the root of a scan's dependency tree.
type DepTree struct {
	Name                 string                     `json:"name" yaml:"name"`
	Version              string                     `json:"version" yaml:"version"`
	TargetOS             OSRelease                  `json:"targetOS" yaml:"targetOS"`
	PackageFormatVersion string                     `json:"packageFormatVersion" yaml:"packageFormatVersion"`
	Dependencies         map[string]*DependencyNode `json:"dependencies" yaml:"dependencies"`
	order                []string
}

func (t *DepTree) AddChild(key string, child *DependencyNode) bool {
	if child == nil {
		return false
	}
	if t.Dependencies == nil {
		t.Dependencies = make(map[string]*DependencyNode)
	}
	if _, exists := t.Dependencies[key]; exists {
		return false
	}
	t.Dependencies[key] = child
	t.order = append(t.order, key)
	return true
}

func (t *DepTree) ChildKeys() []string {
	keys := make([]string, len(t.order))
	copy(keys, t.order)
	return keys
}

// ExtractedLayers maps a file path to the results each matching action produced for it.
type ExtractedLayers map[string]map[string]interface{}

type ManifestFile struct {
	Name     string `json:"name" yaml:"name"`
	Path     string `json:"path" yaml:"path"`
	Contents string `json:"contents" yaml:"contents"`
}

type ImageAnalysis struct {
	Type     AnalysisType     `json:"type"`
	Packages []*PackageRecord `json:"packages"`
}

type ScanConfig struct {
	ImagePath            string          `json:"image_path,omitempty" yaml:"image_path,omitempty"`
	ImageType            ImageType       `json:"image_type,omitempty" yaml:"image_type,omitempty"`
	TargetImage          string          `json:"target_image,omitempty" yaml:"target_image,omitempty"`
	Workers              int             `json:"workers,omitempty" yaml:"workers,omitempty"`
	OutputFormat         string          `json:"output_format,omitempty" yaml:"output_format,omitempty"`
	ManifestGlobs        []string        `json:"manifest_globs,omitempty" yaml:"manifest_globs,omitempty"`
	ManifestExcludeGlobs []string        `json:"manifest_exclude_globs,omitempty" yaml:"manifest_exclude_globs,omitempty"`
	TmpDir               string          `json:"tmp_dir,omitempty" yaml:"tmp_dir,omitempty"`
	Platform             string          `json:"platform,omitempty" yaml:"platform,omitempty"`
	RpmQueryOutput       string          `json:"rpm_query_output,omitempty" yaml:"rpm_query_output,omitempty"`
	LogLevel             string          `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat            string          `json:"log_format,omitempty" yaml:"log_format,omitempty"`
	MaxFileSize          int64           `json:"max_file_size,omitempty" yaml:"max_file_size,omitempty"`
	Registry             *RegistryConfig `json:"registry,omitempty" yaml:"registry,omitempty"`
}

type RegistryConfig struct {
	DefaultRegistry string                  `json:"default_registry,omitempty" yaml:"default_registry,omitempty"`
	Registries      map[string]RegistryAuth `json:"registries,omitempty" yaml:"registries,omitempty"`
	Insecure        []string                `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	Mirrors         map[string][]string     `json:"mirrors,omitempty" yaml:"mirrors,omitempty"`
}

type RegistryAuth struct {
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
}

type ScanResult struct {
	ScanID         string          `json:"scanId" yaml:"scanId"`
	ImageID        string          `json:"imageId" yaml:"imageId"`
	ImageLayers    []string        `json:"imageLayers" yaml:"imageLayers"`
	PackageManager string          `json:"packageManager" yaml:"packageManager"`
	Package        *DepTree        `json:"package" yaml:"package"`
	ManifestFiles  []*ManifestFile `json:"manifestFiles,omitempty" yaml:"manifestFiles,omitempty"`
	Errors         []string        `json:"errors,omitempty" yaml:"errors,omitempty"`
	Duration       string          `json:"duration" yaml:"duration"`
}
