package models

import (
	"errors"
	"testing"
	"time"
)

func TestParseCreatorDetection(t *testing.T) {
	cases := []struct {
		in     string
		source Source
		id     string
	}{
		{"npm:left-pad", SourceNPM, "npm:left-pad"},
		{"left-pad", SourceNPM, "npm:left-pad"},
		{"@Angular/Core", SourceNPM, "npm:@angular/core"},
		{"github:Evil/Repo", SourceGitHub, "github:evil/repo"},
		{"evil/repo", SourceGitHub, "github:evil/repo"},
		{"https://github.com/Owner/Repo.git", SourceGitHub, "github:owner/repo"},
		{"git@github.com:owner/repo.git", SourceGitHub, "github:owner/repo"},
		{"https://gitlab.com/group/sub/proj.git", SourceGit, "git:gitlab.com/group/sub/proj"},
		{"git:ssh://git@example.org/team/tpl", SourceGit, "git:example.org/team/tpl"},
		{"./templates/react", SourceLocal, "local:templates/react"},
		{"/opt/Templates/", SourceLocal, "local:/opt/templates"},
		{"local:/srv/tpl", SourceLocal, "local:/srv/tpl"},
	}
	for _, tc := range cases {
		c, err := ParseCreator(tc.in)
		if err != nil {
			t.Errorf("ParseCreator(%q): unexpected error %v", tc.in, err)
			continue
		}
		if c.Source() != tc.source {
			t.Errorf("ParseCreator(%q): source=%s want %s", tc.in, c.Source(), tc.source)
		}
		if c.ID() != tc.id {
			t.Errorf("ParseCreator(%q): id=%s want %s", tc.in, c.ID(), tc.id)
		}
	}
}

func TestParseCreatorIDRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		"",
		"left-pad",            // no source
		"npm:",                // empty identifier
		"npm:Bad Name",        // space
		"npm:.hidden",         // leading dot
		"github:owner",        // missing repo
		"github:a/b/c",        // too many segments
		"github:-bad/repo",    // owner starts with dash
		"git:ftp://host/repo", // scheme
		"svn:host/repo",       // unknown source
	} {
		_, err := ParseCreatorID(in)
		if err == nil {
			t.Errorf("ParseCreatorID(%q): expected error", in)
			continue
		}
		if !errors.Is(err, ErrInvalidCreatorID) {
			t.Errorf("ParseCreatorID(%q): error %v is not ErrInvalidCreatorID", in, err)
		}
	}
}

func TestCreatorIDRoundTrip(t *testing.T) {
	for _, id := range []string{"npm:@scope/pkg", "github:owner/repo", "git:example.org/a/b", "local:/x/y"} {
		c, err := ParseCreatorID(id)
		if err != nil {
			t.Fatalf("ParseCreatorID(%q): %v", id, err)
		}
		if c.ID() != id {
			t.Errorf("round trip %q -> %q", id, c.ID())
		}
	}
}

func TestTrustEntryValidate(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	good := TrustEntry{CreatorID: "npm:left-pad", TrustLevel: TrustTrusted, GrantedAt: now, GrantedBy: GrantedByUser}
	if err := good.Validate(); err != nil {
		t.Errorf("valid entry rejected: %v", err)
	}

	bad := []TrustEntry{
		{CreatorID: "npm:left-pad", TrustLevel: TrustBlocked, GrantedAt: now, GrantedBy: GrantedByUser},
		{CreatorID: "npm:left-pad", TrustLevel: TrustUnknown, GrantedAt: now, GrantedBy: GrantedByUser},
		{CreatorID: "NPM:Left-Pad", TrustLevel: TrustTrusted, GrantedAt: now, GrantedBy: GrantedByUser},
		{CreatorID: "npm:left-pad", TrustLevel: TrustTrusted, GrantedAt: now, ExpiresAt: &past, GrantedBy: GrantedByUser},
		{CreatorID: "npm:left-pad", TrustLevel: TrustTrusted, GrantedBy: GrantedByUser},
	}
	for i, e := range bad {
		if err := e.Validate(); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestExportDocumentRejectsDuplicates(t *testing.T) {
	now := time.Now().UTC()
	e := TrustEntry{CreatorID: "npm:a", TrustLevel: TrustTrusted, GrantedAt: now, GrantedBy: GrantedByUser}
	doc := &ExportDocument{Format: ExportFormatName, Version: SnapshotVersion, Entries: []TrustEntry{e, e}}
	if _, err := doc.ToSnapshot(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for duplicate entries, got %v", err)
	}
}
