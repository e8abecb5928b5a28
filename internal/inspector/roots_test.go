package inspector

import (
	"slices"
	"testing"

	"github.com/danmuck/inspectctl/internal/testutil/testlog"
)

func TestRootSetPackages(t *testing.T) {
	testlog.Start(t)

	rs := NewRootSet([]string{
		"/home/dev/my_app",
		"/home/dev/plugins/widgets/lib",
		"/src/google3/foo/bar",
		"/src/google3/third_party/dart/baz",
		"",
	})
	want := []string{"baz", "foo.bar", "my_app", "widgets"}
	if got := rs.Packages(); !slices.Equal(got, want) {
		t.Fatalf("packages mismatch: got %v want %v", got, want)
	}
	if got := rs.Prefixes(); !slices.Equal(got, []string{"foo.bar.", "baz."}) {
		t.Fatalf("prefixes mismatch: %v", got)
	}
	if len(rs.Directories()) != 4 {
		t.Fatalf("expected blank directory dropped: %v", rs.Directories())
	}
}

func TestRootSetIsLocalURI(t *testing.T) {
	testlog.Start(t)

	rs := NewRootSet([]string{"/home/dev/my_app", "/src/google3/foo/bar"})
	cases := []struct {
		uri  string
		want bool
	}{
		{"package:my_app/main.dart", true},
		{"package:other/main.dart", false},
		{"package:foo.bar.sub/x.dart", true},
		{"file:///home/dev/my_app/lib/main.dart", true},
		{"file:///home/dev/my_app_other/lib/main.dart", false},
		{"/home/dev/my_app/lib/a.dart", true},
		{"dart:core", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := rs.IsLocalURI(tc.uri); got != tc.want {
			t.Fatalf("IsLocalURI(%q)=%v want %v", tc.uri, got, tc.want)
		}
	}

	var empty *RootSet
	if empty.IsLocalURI("package:my_app/main.dart") {
		t.Fatalf("nil root set should classify nothing as local")
	}
}

func TestRootDirectoryFromPath(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"/home/dev/my_app/lib/src/main.dart": "/home/dev/my_app",
		"/home/dev/site/web/index.dart":      "/home/dev/site",
		"/cache/packages/foo/bar.dart":       "/cache/packages",
		"/tmp/scratch/main.dart":             "/tmp/scratch",
		"":                                   "",
	}
	for in, want := range cases {
		if got := RootDirectoryFromPath(in); got != want {
			t.Fatalf("RootDirectoryFromPath(%q)=%q want %q", in, got, want)
		}
	}
}
