package settings

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestCopy_IsIndependent(t *testing.T) {
	base := New()
	base.Set("ui", "username", "alice", "file")

	c := base.Copy()
	c.Set("ui", "username", "bob", "--config")
	c.Set("extensions", "rebase", "", "--config")

	if v, _ := base.Get("ui", "username"); v != "alice" {
		t.Errorf("base ui.username = %q, want alice", v)
	}
	if _, ok := base.Get("extensions", "rebase"); ok {
		t.Error("new section leaked into base")
	}
	if got := c.Source("ui", "username"); got != "--config" {
		t.Errorf("copy source = %q, want --config", got)
	}
}

func TestGetBool(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"Yes", false, true},
		{"1", false, true},
		{"off", true, false},
		{"never", true, false},
		{"garbage", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			s := New()
			s.Set("ui", "flag", tt.value, "test")
			if got := s.GetBool("ui", "flag", tt.def); got != tt.want {
				t.Errorf("GetBool(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}

	if !New().GetBool("ui", "missing", true) {
		t.Error("GetBool on unset key should return default")
	}
}

func TestParseOverride(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Override
		wantErr bool
	}{
		{"simple", "ui.username=alice", Override{"ui", "username", "alice"}, false},
		{"dotted key", "merge-tools.vim.args=-d", Override{"merge-tools", "vim.args", "-d"}, false},
		{"empty value", "extensions.rebase=", Override{"extensions", "rebase", ""}, false},
		{"equals in value", "alias.x=log -r 'a=b'", Override{"alias", "x", "log -r 'a=b'"}, false},
		{"no equals", "ui.username", Override{}, true},
		{"no section", "username=alice", Override{}, true},
		{"empty key", "ui.=x", Override{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOverride(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOverride(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidOverride) {
					t.Errorf("error = %v, want ErrInvalidOverride", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ParseOverride(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.toml")
	content := `
[ui]
username = "alice"
verbose = true
timeout = 30

[merge-tools.vim]
args = "-d"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s := New()
	if err := s.LoadTOML(path); err != nil {
		t.Fatalf("LoadTOML error = %v", err)
	}

	checks := []struct{ section, key, want string }{
		{"ui", "username", "alice"},
		{"ui", "verbose", "true"},
		{"ui", "timeout", "30"},
		{"merge-tools", "vim.args", "-d"},
	}
	for _, c := range checks {
		if got, _ := s.Get(c.section, c.key); got != c.want {
			t.Errorf("%s.%s = %q, want %q", c.section, c.key, got, c.want)
		}
	}
	if got := s.Source("ui", "username"); got != path {
		t.Errorf("Source = %q, want %q", got, path)
	}
	if got := s.Sections(); !reflect.DeepEqual(got, []string{"merge-tools", "ui"}) {
		t.Errorf("Sections = %v", got)
	}
}

func TestLoadTOML_RejectsTopLevelKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("loose = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := New().LoadTOML(path); err == nil {
		t.Error("LoadTOML should reject keys outside a section")
	}
}

func TestEnviron(t *testing.T) {
	s := New()
	s.Set("ui", "nontty", "true", "commandserver")
	s.Set("merge-tools", "vim.args", "-d", "test")

	got := s.Environ("CMDSERVER_CONFIG_")
	want := []string{
		"CMDSERVER_CONFIG_MERGE_TOOLS_VIM_ARGS=-d",
		"CMDSERVER_CONFIG_UI_NONTTY=true",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Environ = %v, want %v", got, want)
	}
}
