package assemble

import (
	"strings"

	"github.com/osteele/liquid"
	"github.com/sourceplane/benchctl/internal/dyn"
)

// evaluateTemplates renders every templated string leaf of every job
// against the merged variable environment. Variable scopes layer low to
// high: root variables, job variables, command-line variables. A string
// that fails to parse or render is left untouched.
func evaluateTemplates(merged *dyn.Map, cliVariables map[string]interface{}) {
	jobs := merged.GetMap("jobs")
	if jobs == nil {
		return
	}
	engine := liquid.NewEngine()
	rootVars := merged.GetMap("variables")
	cliVars, _ := dyn.FromPlain(cliVariables).(*dyn.Map)

	for _, name := range jobs.Keys() {
		job := jobs.GetMap(name)
		if job == nil {
			continue
		}
		scope := dyn.MergeVariables(rootVars, job.GetMap("variables"))
		scope = dyn.MergeVariables(scope, cliVars)
		bindings, _ := dyn.ToPlain(scope).(map[string]interface{})
		renderValue(engine, job, bindings)
	}
}

// renderValue walks a tree value in place, rewriting string leaves that
// contain a template delimiter.
func renderValue(engine *liquid.Engine, v interface{}, bindings map[string]interface{}) {
	switch t := v.(type) {
	case *dyn.Map:
		for _, key := range t.Keys() {
			val, _ := t.Get(key)
			if s, ok := val.(string); ok {
				t.Set(key, renderString(engine, s, bindings))
				continue
			}
			renderValue(engine, val, bindings)
		}
	case []interface{}:
		for i, item := range t {
			if s, ok := item.(string); ok {
				t[i] = renderString(engine, s, bindings)
				continue
			}
			renderValue(engine, item, bindings)
		}
	}
}

func renderString(engine *liquid.Engine, s string, bindings map[string]interface{}) string {
	if !strings.Contains(s, "{") {
		return s
	}
	out, err := engine.ParseAndRenderString(s, bindings)
	if err != nil {
		return s
	}
	return out
}
