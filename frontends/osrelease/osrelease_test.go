package osrelease

import (
	"strings"
	"testing"

	"github.com/bibin-skaria/imginv/internal/types"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    types.OSRelease
	}{
		{
			name: "debian",
			content: `PRETTY_NAME="Debian GNU/Linux 12 (bookworm)"
NAME="Debian GNU/Linux"
VERSION_ID="12"
VERSION="12 (bookworm)"
ID=debian
`,
			want: types.OSRelease{Name: "debian", Version: "12", PrettyName: "Debian GNU/Linux 12 (bookworm)"},
		},
		{
			name: "alpine",
			content: `NAME="Alpine Linux"
ID=alpine
VERSION_ID=3.19.1
PRETTY_NAME="Alpine Linux v3.19"
`,
			want: types.OSRelease{Name: "alpine", Version: "3.19.1", PrettyName: "Alpine Linux v3.19"},
		},
		{
			name:    "version without version id",
			content: "ID=arch\nVERSION=rolling\n",
			want:    types.OSRelease{Name: "arch", Version: "rolling"},
		},
		{
			name:    "missing id",
			content: "# comment only\n",
			want:    types.OSRelease{Name: "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(strings.NewReader(tt.content))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if *got != tt.want {
				t.Errorf("Parse() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestTargetOS(t *testing.T) {
	etc := &types.OSRelease{Name: "ubuntu", Version: "22.04"}
	usr := &types.OSRelease{Name: "debian", Version: "12"}

	tests := []struct {
		name      string
		extracted types.ExtractedLayers
		want      types.OSRelease
	}{
		{
			name: "etc preferred",
			extracted: types.ExtractedLayers{
				"/etc/os-release":     {Action: etc},
				"/usr/lib/os-release": {Action: usr},
			},
			want: *etc,
		},
		{
			name:      "usr lib fallback",
			extracted: types.ExtractedLayers{"/usr/lib/os-release": {Action: usr}},
			want:      *usr,
		},
		{
			name:      "not found",
			extracted: types.ExtractedLayers{},
			want:      types.OSRelease{Name: "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TargetOS(tt.extracted); got != tt.want {
				t.Errorf("TargetOS() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
