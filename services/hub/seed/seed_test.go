package seed

import (
	"strings"
	"testing"
)

const sampleSeed = `
projects:
  - slug: core
    name: Core
    description: core packages
    profiles:
      - name: stable-x86_64
        arch: x86_64
        indexUri: https://packages.example.com/core/stable/x86_64/stone.index
        remotes:
          - name: local
            indexUri: https://packages.example.com/core/stable/x86_64/stone.index
            priority: 100
          - name: upstream
            indexUri: https://packages.example.com/core/base/x86_64/stone.index
            priority: 10
    repositories:
      - name: main
        originUri: https://git.example.com/core/recipes.git
        branch: main
enrollments:
  - host: https://builder-1.example.com
    publicKey: 7roUQKt-8dIoNnuVGlStxOrVDxDkD1hs4OYk3WGbY1M
    role: builder
    arch: x86_64
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sampleSeed))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if len(f.Projects) != 1 {
		t.Fatalf("projects = %d, want 1", len(f.Projects))
	}
	p := f.Projects[0]
	if p.Slug != "core" {
		t.Fatalf("slug = %q, want core", p.Slug)
	}
	if len(p.Profiles) != 1 || len(p.Profiles[0].Remotes) != 2 {
		t.Fatalf("profiles = %+v, want one profile with two remotes", p.Profiles)
	}
	if p.Profiles[0].Remotes[0].Priority != 100 {
		t.Fatalf("remote priority = %d, want 100", p.Profiles[0].Remotes[0].Priority)
	}
	if len(p.Repositories) != 1 || p.Repositories[0].Branch != "main" {
		t.Fatalf("repositories = %+v", p.Repositories)
	}
	if len(f.Enrollments) != 1 || f.Enrollments[0].Role != "builder" {
		t.Fatalf("enrollments = %+v", f.Enrollments)
	}
}

func TestParseRejectsMissingKeys(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing project slug", "projects:\n  - name: Core\n"},
		{"missing profile arch", "projects:\n  - slug: core\n    profiles:\n      - name: stable\n"},
		{"missing repository origin", "projects:\n  - slug: core\n    repositories:\n      - name: main\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("projects: [")); err == nil || !strings.Contains(err.Error(), "parse seed file") {
		t.Fatalf("got %v, want parse error", err)
	}
}
