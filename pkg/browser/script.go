package browser

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// CompileScript checks that src parses as a single JavaScript function
// expression, the form Evaluate and AddScriptOnNewDocument expect.
func CompileScript(name, src string) error {
	src = strings.TrimSpace(src)
	if src == "" {
		return fmt.Errorf("%s: empty script", name)
	}
	if _, err := goja.Compile(name, "("+src+")", false); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	vm := goja.New()
	v, err := vm.RunString("(" + src + ")")
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if _, ok := goja.AssertFunction(v); !ok {
		return fmt.Errorf("%s: not a function expression", name)
	}
	return nil
}
