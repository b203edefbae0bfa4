// Package scripthook runs an optional admin-provided JS snippet over the
// merged document before it is served. The script may define
// buildConfig(config) and mutate the config object in place.
package scripthook

import (
	"fmt"
	"runtime/debug"

	"github.com/dop251/goja"
	"github.com/elysiawen/SubLinks-sub002/internal/logx"
)

// Apply executes the hook and returns the (possibly mutated) document map.
// Any script failure is an error for the caller to absorb; the hook is
// cosmetic and must never be able to take subscriber traffic down.
func Apply(script string, config map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("[panic] %v\n%s", r, string(debug.Stack()))
		}
	}()

	vm := goja.New()
	if err = vm.Set("log", func(v any) {
		logx.L().Info(fmt.Sprintf("[JS] %v", v))
	}); err != nil {
		return nil, err
	}

	if _, err = vm.RunString(script); err != nil {
		return nil, err
	}

	buildConfig := func(map[string]any) {}
	jsBuildConfig := vm.Get("buildConfig")
	if jsBuildConfig != nil {
		if err = vm.ExportTo(jsBuildConfig, &buildConfig); err != nil {
			return nil, err
		}
	}
	buildConfig(config)

	return config, nil
}
