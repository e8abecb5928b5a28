package inspector

import (
	"net/url"
	"path"
	"slices"
	"strings"
)

// minThirdPartyDepth is the shortest bazel third_party path that names a
// package: third_party/dart/<name>.
const minThirdPartyDepth = 3

// RootSet classifies source URIs against the application's root directories
// and the package names derived from them. A RootSet is immutable.
type RootSet struct {
	directories []string
	packages    map[string]struct{}
	prefixes    []string
}

// NewRootSet derives package names from dirs. A directory maps to the name of
// the folder above its last lib segment; bazel trees under google3 map to a
// dotted package name that also matches as a prefix.
func NewRootSet(dirs []string) *RootSet {
	rs := &RootSet{
		directories: make([]string, 0, len(dirs)),
		packages:    make(map[string]struct{}),
	}
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		rs.directories = append(rs.directories, dir)

		parts := splitPath(strings.TrimPrefix(dir, "file://"))
		if libIndex := lastIndex(parts, "lib"); libIndex > 0 {
			parts = parts[:libIndex]
		}
		if len(parts) == 0 {
			continue
		}
		g3 := lastIndex(parts, "google3")
		if g3 != -1 && g3+1 < len(parts) {
			pkg := parts[g3+1:]
			if pkg[0] == "third_party" && len(pkg) >= minThirdPartyDepth {
				pkg = pkg[2:]
			}
			name := strings.Join(pkg, ".")
			rs.packages[name] = struct{}{}
			rs.prefixes = append(rs.prefixes, name+".")
			continue
		}
		rs.packages[parts[len(parts)-1]] = struct{}{}
	}
	return rs
}

func (rs *RootSet) Directories() []string {
	if rs == nil {
		return nil
	}
	return slices.Clone(rs.directories)
}

// Packages returns the derived package names, sorted.
func (rs *RootSet) Packages() []string {
	if rs == nil {
		return nil
	}
	out := make([]string, 0, len(rs.packages))
	for name := range rs.packages {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (rs *RootSet) Prefixes() []string {
	if rs == nil {
		return nil
	}
	return slices.Clone(rs.prefixes)
}

// IsLocalURI reports whether uri belongs to the application. package: style
// URIs match by package name; file: URIs match when they sit under one of the
// root directories; dart: URIs are never local.
func (rs *RootSet) IsLocalURI(raw string) bool {
	if rs == nil {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "dart":
		return false
	case "file", "":
		return rs.underRoot(u.Path)
	}

	name := u.Opaque
	if name == "" {
		name = strings.TrimPrefix(u.Path, "/")
	}
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return false
	}
	if _, ok := rs.packages[name]; ok {
		return true
	}
	for _, prefix := range rs.prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (rs *RootSet) underRoot(p string) bool {
	if p == "" {
		return false
	}
	p = path.Clean(p)
	for _, dir := range rs.directories {
		root := path.Clean(strings.TrimPrefix(dir, "file://"))
		if p == root || strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/") {
			return true
		}
	}
	return false
}

// RootDirectoryFromPath guesses the application root from the source path of
// a widget it created: the directory above the closest lib or web segment,
// or up to and including a packages segment, or else the file's directory.
func RootDirectoryFromPath(file string) string {
	file = strings.TrimSpace(file)
	if file == "" {
		return ""
	}
	parts := strings.Split(file, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		switch parts[i] {
		case "lib", "web":
			return strings.Join(parts[:i], "/")
		case "packages":
			return strings.Join(parts[:i+1], "/")
		}
	}
	return strings.Join(parts[:len(parts)-1], "/")
}

func splitPath(p string) []string {
	raw := strings.Split(p, "/")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func lastIndex(parts []string, want string) int {
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == want {
			return i
		}
	}
	return -1
}
