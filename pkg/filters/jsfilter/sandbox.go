package jsfilter

import (
	"fmt"

	"github.com/dop251/goja"
)

// dangerousGlobals are removed from every runtime before a script runs.
var dangerousGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

// newRuntime creates a goja runtime with the dangerous globals removed.
// When strict is set eval throws as well.
func newRuntime(strict bool) (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	for _, name := range dangerousGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if strict {
		restricted := func(call goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError("eval is not allowed in strict mode"))
		}
		if err := vm.Set("eval", restricted); err != nil {
			return nil, fmt.Errorf("failed to restrict eval: %w", err)
		}
	}
	return vm, nil
}
