// Package assemble turns an ordered list of configuration sources into one
// concrete configuration: documents are merged, the selected scenario is
// instantiated, profiles and command-line overrides are applied, and
// template expressions are evaluated.
package assemble

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/sourceplane/benchctl/internal/dyn"
	"github.com/sourceplane/benchctl/internal/loader"
	"github.com/sourceplane/benchctl/internal/model"
)

// Override is one dotted-path command-line override, applied in order.
type Override struct {
	Path  string
	Value string
}

// Options selects and shapes the configuration to assemble.
type Options struct {
	Sources   []string
	Scenario  string
	Jobs      []string
	Profiles  []string
	Overrides []Override
	Variables map[string]interface{}
	RunID     string
}

// Assembly is the outcome: the final document tree, its typed decoding, and
// the ordered dependency list the engine drives.
type Assembly struct {
	Tree         *dyn.Map
	Config       *model.Configuration
	Dependencies []string
}

// Assemble runs the assembly steps strictly in order: merge, scenario
// instantiation, custom jobs, invariant forcing, profiles, overrides,
// template evaluation, and finally the typed decode. The result is pure
// data; nothing mutates it afterwards.
func Assemble(l *loader.Loader, opts Options) (*Assembly, error) {
	merged := dyn.NewMap()
	for _, source := range opts.Sources {
		doc, err := l.Load(source)
		if err != nil {
			return nil, err
		}
		dyn.Patch(merged, doc)
	}

	deps, err := instantiateScenario(merged, opts)
	if err != nil {
		return nil, err
	}

	registerCustomJobs(merged, opts.Jobs)
	if opts.Scenario == "" {
		deps = append([]string(nil), opts.Jobs...)
	}

	forceInvariants(merged, opts.RunID)

	if err := applyProfiles(merged, opts.Profiles); err != nil {
		return nil, err
	}

	for _, o := range opts.Overrides {
		if err := applyOverride(merged, o); err != nil {
			return nil, err
		}
	}

	evaluateTemplates(merged, opts.Variables)

	cfg, err := decode(merged)
	if err != nil {
		return nil, err
	}

	return &Assembly{Tree: merged, Config: cfg, Dependencies: deps}, nil
}

// instantiateScenario clones each referenced job template under its service
// name and patches the service dependency over it. The scenario's declared
// order becomes the dependency order.
func instantiateScenario(merged *dyn.Map, opts Options) ([]string, error) {
	if opts.Scenario == "" {
		return nil, nil
	}
	scenarios := merged.GetMap("scenarios")
	if scenarios == nil {
		return nil, fmt.Errorf("%w: no scenarios defined", loader.ErrConfigInvalid)
	}
	scenario := scenarios.GetMap(opts.Scenario)
	if scenario == nil {
		return nil, fmt.Errorf("%w: scenario %q not found", loader.ErrConfigInvalid, opts.Scenario)
	}

	jobs := merged.GetMap("jobs")
	if jobs == nil {
		jobs = dyn.NewMap()
		merged.Set("jobs", jobs)
	}

	deps := make([]string, 0, scenario.Len())
	for _, serviceName := range scenario.Keys() {
		dep := scenario.GetMap(serviceName)
		if dep == nil {
			return nil, fmt.Errorf("%w: scenario %q service %q is not an object",
				loader.ErrConfigInvalid, opts.Scenario, serviceName)
		}
		jobRef := dep.GetString("job")
		template := jobs.GetMap(jobRef)
		if template == nil {
			return nil, fmt.Errorf("%w: scenario %q service %q references unknown job %q",
				loader.ErrConfigInvalid, opts.Scenario, serviceName, jobRef)
		}
		clone := dyn.Clone(template).(*dyn.Map)
		dyn.Patch(clone, dep)
		jobs.Set(serviceName, clone)
		deps = append(deps, serviceName)
	}
	return deps, nil
}

// registerCustomJobs adds an empty template for every ad-hoc job name.
func registerCustomJobs(merged *dyn.Map, names []string) {
	if len(names) == 0 {
		return
	}
	jobs := merged.GetMap("jobs")
	if jobs == nil {
		jobs = dyn.NewMap()
		merged.Set("jobs", jobs)
	}
	for _, name := range names {
		if !jobs.Has(name) {
			jobs.Set(name, dyn.NewMap())
		}
	}
}

// forceInvariants pins the fields every assembled job must carry.
func forceInvariants(merged *dyn.Map, runID string) {
	jobs := merged.GetMap("jobs")
	if jobs == nil {
		return
	}
	for _, name := range jobs.Keys() {
		job := jobs.GetMap(name)
		if job == nil {
			continue
		}
		job.Set("selfContained", true)
		job.Set("service", name)
		job.Set("driverVersion", 2)
		job.Set("runId", runID)
	}
}

// applyProfiles resolves each named profile, pushes its variables into the
// variables block of every job the profile declares, then patches the whole
// profile into the root configuration.
func applyProfiles(merged *dyn.Map, names []string) error {
	for _, name := range names {
		profiles := merged.GetMap("profiles")
		if profiles == nil {
			return fmt.Errorf("%w: profile %q not found", loader.ErrConfigInvalid, name)
		}
		profile := profiles.GetMap(name)
		if profile == nil {
			return fmt.Errorf("%w: profile %q not found", loader.ErrConfigInvalid, name)
		}

		if profileVars := profile.GetMap("variables"); profileVars != nil {
			if profileJobs := profile.GetMap("jobs"); profileJobs != nil {
				for _, jobName := range profileJobs.Keys() {
					job := profileJobs.GetMap(jobName)
					if job == nil {
						continue
					}
					vars := dyn.Clone(profileVars).(*dyn.Map)
					if own := job.GetMap("variables"); own != nil {
						dyn.Patch(vars, own)
					}
					job.Set("variables", vars)
				}
			}
		}

		dyn.Patch(merged, profile)
	}
	return nil
}

// applyOverride traverses a dotted path starting at jobs, case-insensitive
// on every segment, and applies the value at the target: arrays get the
// value appended, scalars are replaced with type coercion, and objects take
// a K=V assignment.
func applyOverride(merged *dyn.Map, o Override) error {
	jobs := merged.GetMap("jobs")
	if jobs == nil {
		return fmt.Errorf("%w: override %q: no jobs defined", loader.ErrConfigInvalid, o.Path)
	}

	segments := strings.Split(o.Path, ".")
	current := jobs
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current.Get(seg)
		if !ok {
			return fmt.Errorf("%w: override %q: segment %q not found", loader.ErrConfigInvalid, o.Path, seg)
		}
		obj, ok := next.(*dyn.Map)
		if !ok {
			return fmt.Errorf("%w: override %q: segment %q is not an object", loader.ErrConfigInvalid, o.Path, seg)
		}
		current = obj
	}

	last := segments[len(segments)-1]
	target, ok := current.Get(last)
	if !ok {
		return fmt.Errorf("%w: override %q: segment %q not found", loader.ErrConfigInvalid, o.Path, last)
	}

	switch t := target.(type) {
	case []interface{}:
		current.Set(last, append(t, o.Value))
	case *dyn.Map:
		k, v, found := strings.Cut(o.Value, "=")
		if !found {
			return fmt.Errorf("%w: override %q: value %q must be K=V for an object target",
				loader.ErrConfigInvalid, o.Path, o.Value)
		}
		t.Set(k, v)
	default:
		coerced, err := coerceScalar(target, o.Value)
		if err != nil {
			return fmt.Errorf("%w: override %q: %v", loader.ErrConfigInvalid, o.Path, err)
		}
		current.Set(last, coerced)
	}
	return nil
}

// coerceScalar converts the raw override string to the type of the value it
// replaces.
func coerceScalar(existing interface{}, raw string) (interface{}, error) {
	switch existing.(type) {
	case bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as bool", raw)
		}
		return v, nil
	case int, int64:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as integer", raw)
		}
		return v, nil
	case float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as number", raw)
		}
		return v, nil
	default:
		return raw, nil
	}
}

// decode converts the final tree into the typed configuration. Extra
// properties on jobs are dropped here; they have already served their
// purpose at the document level.
func decode(merged *dyn.Map) (*model.Configuration, error) {
	var cfg model.Configuration
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(dyn.ToPlain(merged)); err != nil {
		return nil, fmt.Errorf("%w: %v", loader.ErrConfigInvalid, err)
	}
	if cfg.Jobs == nil {
		cfg.Jobs = map[string]*model.JobTemplate{}
	}
	return &cfg, nil
}
