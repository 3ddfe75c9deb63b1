package runner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/stepflow/step"
	"github.com/c360studio/stepflow/taskgraph"
)

// Plan is a workflow definition: a set of tasks wired by dependencies.
type Plan struct {
	Workflow string       `yaml:"workflow"`
	Defaults TaskDefaults `yaml:"defaults"`
	Tasks    []PlanTask   `yaml:"tasks"`
}

// TaskDefaults applies to every task that does not set the field itself.
// Unset fields fall back to the executor defaults.
type TaskDefaults struct {
	Retry             *int          `yaml:"retry"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Timeout           time.Duration `yaml:"timeout"`
	// MaxRetries is the task-level retry budget (re-dispatches after a failed step)
	MaxRetries *int `yaml:"max_retries"`
}

// PlanTask is one task of a plan.
type PlanTask struct {
	ID          string         `yaml:"id"`
	Title       string         `yaml:"title"`
	Description string         `yaml:"description"`
	Operation   string         `yaml:"operation"`
	Params      map[string]any `yaml:"params"`
	DependsOn   []string       `yaml:"depends_on"`
	Priority    string         `yaml:"priority"`
	MaxRetries  *int           `yaml:"max_retries"`

	// Step policy overrides
	Retry      *int          `yaml:"retry"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`

	Cache *CachePolicy `yaml:"cache"`
}

// CachePolicy routes a task's result through a cache namespace.
type CachePolicy struct {
	Namespace string `yaml:"namespace"`
	// Key defaults to the operation name plus its params
	Key string        `yaml:"key"`
	TTL time.Duration `yaml:"ttl"`
}

// LoadPlan reads and parses a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

// ParsePlan decodes a YAML plan. Unknown keys are rejected.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if plan.Workflow == "" {
		plan.Workflow = "workflow"
	}
	for i := range plan.Tasks {
		if plan.Tasks[i].Title == "" {
			plan.Tasks[i].Title = plan.Tasks[i].ID
		}
	}
	return &plan, nil
}

// Validate reports every structural problem in the plan: missing or
// duplicate ids, unknown operations and priorities, dependencies on tasks
// that do not exist, and dependency cycles.
func (p *Plan) Validate(reg *Registry) error {
	var errs []error
	if len(p.Tasks) == 0 {
		errs = append(errs, errors.New("plan has no tasks"))
	}

	ids := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("task #%d: id is required", i+1))
			continue
		}
		if ids[t.ID] {
			errs = append(errs, fmt.Errorf("task %s: duplicate id", t.ID))
		}
		ids[t.ID] = true
	}

	for _, t := range p.Tasks {
		if t.ID == "" {
			continue
		}
		if t.Operation == "" {
			errs = append(errs, fmt.Errorf("task %s: operation is required", t.ID))
		} else if reg != nil {
			if _, ok := reg.Lookup(t.Operation); !ok {
				errs = append(errs, fmt.Errorf("task %s: unknown operation %q", t.ID, t.Operation))
			}
		}
		if _, err := taskgraph.ParsePriority(t.Priority); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
		}
		if t.MaxRetries != nil && *t.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("task %s: max_retries must not be negative", t.ID))
		}
		if t.Retry != nil && *t.Retry < 0 {
			errs = append(errs, fmt.Errorf("task %s: retry must not be negative", t.ID))
		}
		if t.Cache != nil && t.Cache.Namespace == "" {
			errs = append(errs, fmt.Errorf("task %s: cache namespace is required", t.ID))
		}
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				errs = append(errs, fmt.Errorf("task %s: depends on itself", t.ID))
			} else if !ids[dep] {
				errs = append(errs, fmt.Errorf("task %s: depends on unknown task %s", t.ID, dep))
			}
		}
	}

	if cyclic := p.cyclicTasks(ids); len(cyclic) > 0 {
		errs = append(errs, fmt.Errorf("dependency cycle among tasks %v", cyclic))
	}
	return errors.Join(errs...)
}

// cyclicTasks runs Kahn's algorithm and returns the tasks it could not order.
func (p *Plan) cyclicTasks(ids map[string]bool) []string {
	inDegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for id := range ids {
		inDegree[id] = 0
	}
	for _, t := range p.Tasks {
		if t.ID == "" {
			continue
		}
		for _, dep := range t.DependsOn {
			if !ids[dep] || dep == t.ID {
				continue
			}
			inDegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		delete(inDegree, id)
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	var remaining []string
	for id := range inDegree {
		remaining = append(remaining, id)
	}
	sort.Strings(remaining)
	return remaining
}

// stepOptions resolves the step policy of t over the plan and executor defaults.
func (p *Plan) stepOptions(t PlanTask, base step.Options) step.Options {
	opts := base
	d := p.Defaults
	if d.Retry != nil {
		opts.Retry = *d.Retry
	}
	if d.RetryDelay > 0 {
		opts.RetryDelay = d.RetryDelay
	}
	if d.BackoffMultiplier > 0 {
		opts.BackoffMultiplier = d.BackoffMultiplier
	}
	if d.MaxDelay > 0 {
		opts.MaxDelay = d.MaxDelay
	}
	if d.Timeout > 0 {
		opts.Timeout = d.Timeout
	}

	if t.Retry != nil {
		opts.Retry = *t.Retry
	}
	if t.RetryDelay > 0 {
		opts.RetryDelay = t.RetryDelay
	}
	if t.Timeout > 0 {
		opts.Timeout = t.Timeout
	}
	return opts
}

// maxRetries returns the task-level retry budget, nil meaning the graph default.
func (p *Plan) maxRetries(t PlanTask) *int {
	if t.MaxRetries != nil {
		return t.MaxRetries
	}
	return p.Defaults.MaxRetries
}

// cacheKey returns the explicit key or one derived from the operation and params.
func cacheKey(t PlanTask) string {
	if t.Cache != nil && t.Cache.Key != "" {
		return t.Cache.Key
	}
	params, err := json.Marshal(t.Params)
	if err != nil {
		return t.Operation + ":" + t.ID
	}
	return t.Operation + ":" + string(params)
}
