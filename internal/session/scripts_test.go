package session

import (
	"encoding/json"
	"testing"

	"github.com/dop251/goja"
)

// fakeDOM backs document.querySelectorAll with a conversation list whose
// aria-labels and texts are given per row.
const fakeDOM = `
var clicked = [];
function row(name, label, text) {
  return {
    name: name,
    label: label,
    textContent: text,
    click: function () { clicked.push(name); }
  };
}
var CSS = { escape: function (s) { return s; } };
var document = {
  querySelectorAll: function (sel) {
    var m = /aria-label\*="([^"]*)"/.exec(sel);
    if (m) {
      return rows.filter(function (r) { return r.label.indexOf(m[1]) >= 0; });
    }
    return rows;
  }
};
`

func runMarkRead(t *testing.T, rows, sender string) (ok bool, clicked []string) {
	t.Helper()
	vm := goja.New()
	if _, err := vm.RunString(fakeDOM + "var rows = " + rows + ";"); err != nil {
		t.Fatalf("dom: %v", err)
	}
	v, err := vm.RunString("(" + markReadScript + ")")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	fn, _ := goja.AssertFunction(v)
	res, err := fn(goja.Undefined(), vm.ToValue(sender))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var out struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal([]byte(res.String()), &out); err != nil {
		t.Fatalf("result %q: %v", res.String(), err)
	}
	if err := vm.ExportTo(vm.Get("clicked"), &clicked); err != nil {
		t.Fatal(err)
	}
	return out.OK, clicked
}

func TestMarkReadTargetsSender(t *testing.T) {
	cases := []struct {
		name    string
		rows    string
		ok      bool
		clicked string
	}{
		{
			name:    "by label",
			rows:    `[row("Bob", "Conversation with Bob", "Bob hey"), row("Alice", "Conversation with Alice", "Alice hi")]`,
			ok:      true,
			clicked: "Alice",
		},
		{
			name:    "by text when unlabelled",
			rows:    `[row("Bob", "", "Bob hey"), row("Alice", "", "Alice hi")]`,
			ok:      true,
			clicked: "Alice",
		},
		{
			name: "missing sender clicks nothing",
			rows: `[row("Bob", "Conversation with Bob", "Bob hey")]`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ok, clicked := runMarkRead(t, c.rows, "Alice")
			if ok != c.ok {
				t.Errorf("ok = %v, want %v", ok, c.ok)
			}
			if c.clicked == "" {
				if len(clicked) != 0 {
					t.Errorf("clicked %v", clicked)
				}
				return
			}
			if len(clicked) != 1 || clicked[0] != c.clicked {
				t.Errorf("clicked %v, want [%s]", clicked, c.clicked)
			}
		})
	}
}
