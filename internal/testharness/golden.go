// Package testharness provides shared test fixtures: golden file snapshots
// and a recording platform adapter.
package testharness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// UpdateGolden rewrites golden files instead of comparing against them.
// Set UPDATE_GOLDEN=1 to enable.
var UpdateGolden = os.Getenv("UPDATE_GOLDEN") == "1"

// Golden compares test output with files under testdata/golden named after
// the running test.
type Golden struct {
	t    *testing.T
	dir  string
	name string
}

func NewGolden(t *testing.T) *Golden {
	t.Helper()
	return &Golden{
		t:    t,
		dir:  filepath.Join("testdata", "golden"),
		name: strings.NewReplacer("/", "_", " ", "_", ":", "_").Replace(t.Name()),
	}
}

// AssertJSONNamed compares the indented JSON encoding of v with
// <test>_<name>.json.golden.
func (g *Golden) AssertJSONNamed(name string, v any) {
	g.t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		g.t.Fatalf("marshal golden value: %v", err)
	}
	g.compare(g.name+"_"+name+".json.golden", string(data))
}

func (g *Golden) compare(file, actual string) {
	g.t.Helper()
	path := filepath.Join(g.dir, file)
	if UpdateGolden {
		if err := os.MkdirAll(g.dir, 0o755); err != nil {
			g.t.Fatalf("create golden dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(actual), 0o644); err != nil {
			g.t.Fatalf("update golden file %s: %v", path, err)
		}
		return
	}
	expected, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		g.t.Fatalf("golden file %s is missing; rerun with UPDATE_GOLDEN=1\n\n%s", path, actual)
	}
	if err != nil {
		g.t.Fatalf("read golden file %s: %v", path, err)
	}
	if string(expected) != actual {
		g.t.Errorf("golden mismatch %s:\n%s", path, lineDiff(string(expected), actual))
	}
}

func lineDiff(expected, actual string) string {
	exp := strings.Split(expected, "\n")
	act := strings.Split(actual, "\n")
	var b strings.Builder
	for i := 0; i < max(len(exp), len(act)); i++ {
		var e, a string
		if i < len(exp) {
			e = exp[i]
		}
		if i < len(act) {
			a = act[i]
		}
		if e != a {
			fmt.Fprintf(&b, "%d:\n- %s\n+ %s\n", i+1, e, a)
		}
	}
	return b.String()
}
