package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/stepflow/step"
)

const samplePlan = `
workflow: nightly-report
defaults:
  retry: 1
  retry_delay: 200ms
  max_retries: 2
tasks:
  - id: fetch-docs
    operation: fetch
    params:
      url: https://example.com/docs
    cache:
      namespace: pages
      ttl: 10m
  - id: summarize
    title: Summarize docs
    operation: echo
    depends_on: [fetch-docs]
    priority: high
    retry: 3
    timeout: 5s
`

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, nil))
	require.NoError(t, reg.Register("fetch", fail))
	return reg
}

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan([]byte(samplePlan))
	require.NoError(t, err)

	assert.Equal(t, "nightly-report", plan.Workflow)
	require.Len(t, plan.Tasks, 2)

	fetchTask := plan.Tasks[0]
	assert.Equal(t, "fetch-docs", fetchTask.Title, "title defaults to id")
	assert.Equal(t, "https://example.com/docs", fetchTask.Params["url"])
	require.NotNil(t, fetchTask.Cache)
	assert.Equal(t, "pages", fetchTask.Cache.Namespace)
	assert.Equal(t, 10*time.Minute, fetchTask.Cache.TTL)

	summarize := plan.Tasks[1]
	assert.Equal(t, "Summarize docs", summarize.Title)
	assert.Equal(t, []string{"fetch-docs"}, summarize.DependsOn)
	assert.Equal(t, 5*time.Second, summarize.Timeout)

	assert.NoError(t, plan.Validate(testRegistry(t)))
}

func TestParsePlan_RejectsUnknownFields(t *testing.T) {
	_, err := ParsePlan([]byte("workflow: x\ntasks:\n  - id: a\n    operation: echo\n    retries: 3\n"))
	assert.Error(t, err)
}

func TestParsePlan_DefaultWorkflowName(t *testing.T) {
	plan, err := ParsePlan([]byte("tasks:\n  - id: a\n    operation: echo\n"))
	require.NoError(t, err)
	assert.Equal(t, "workflow", plan.Workflow)
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePlan), 0644))

	plan, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Len(t, plan.Tasks, 2)

	_, err = LoadPlan(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPlanValidate(t *testing.T) {
	reg := testRegistry(t)

	tests := []struct {
		name    string
		tasks   []PlanTask
		wantErr string
	}{
		{
			name:    "empty plan",
			wantErr: "no tasks",
		},
		{
			name:    "missing id",
			tasks:   []PlanTask{{Operation: "echo"}},
			wantErr: "id is required",
		},
		{
			name:    "duplicate id",
			tasks:   []PlanTask{task("a", "echo"), task("a", "echo")},
			wantErr: "duplicate id",
		},
		{
			name:    "unknown operation",
			tasks:   []PlanTask{task("a", "teleport")},
			wantErr: `unknown operation "teleport"`,
		},
		{
			name:    "unknown dependency",
			tasks:   []PlanTask{task("a", "echo", "ghost")},
			wantErr: "unknown task ghost",
		},
		{
			name:    "self dependency",
			tasks:   []PlanTask{task("a", "echo", "a")},
			wantErr: "depends on itself",
		},
		{
			name: "cycle",
			tasks: []PlanTask{
				task("a", "echo", "c"),
				task("b", "echo", "a"),
				task("c", "echo", "b"),
				task("d", "echo"),
			},
			wantErr: "dependency cycle among tasks [a b c]",
		},
		{
			name:    "bad priority",
			tasks:   []PlanTask{{ID: "a", Operation: "echo", Priority: "urgent"}},
			wantErr: "unknown priority",
		},
		{
			name:    "cache without namespace",
			tasks:   []PlanTask{{ID: "a", Operation: "echo", Cache: &CachePolicy{}}},
			wantErr: "cache namespace is required",
		},
		{
			name:    "negative max retries",
			tasks:   []PlanTask{{ID: "a", Operation: "echo", MaxRetries: intPtr(-1)}},
			wantErr: "max_retries must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := &Plan{Workflow: "w", Tasks: tt.tasks}
			err := plan.Validate(reg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPlanValidate_ReportsAllProblems(t *testing.T) {
	plan := &Plan{Tasks: []PlanTask{task("a", "teleport", "ghost"), task("a", "echo")}}
	err := plan.Validate(testRegistry(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate id")
	assert.Contains(t, err.Error(), "unknown operation")
	assert.Contains(t, err.Error(), "unknown task ghost")
}

func TestStepOptions(t *testing.T) {
	plan, err := ParsePlan([]byte(samplePlan))
	require.NoError(t, err)
	base := step.DefaultOptions()

	fetchOpts := plan.stepOptions(plan.Tasks[0], base)
	assert.Equal(t, 1, fetchOpts.Retry)
	assert.Equal(t, 200*time.Millisecond, fetchOpts.RetryDelay)
	assert.Equal(t, base.MaxDelay, fetchOpts.MaxDelay)
	assert.Zero(t, fetchOpts.Timeout)

	sumOpts := plan.stepOptions(plan.Tasks[1], base)
	assert.Equal(t, 3, sumOpts.Retry)
	assert.Equal(t, 5*time.Second, sumOpts.Timeout)

	require.NotNil(t, plan.maxRetries(plan.Tasks[0]))
	assert.Equal(t, 2, *plan.maxRetries(plan.Tasks[0]))
	assert.Nil(t, (&Plan{}).maxRetries(PlanTask{}))
}

func TestCacheKey(t *testing.T) {
	a := PlanTask{ID: "a", Operation: "fetch", Params: map[string]any{"url": "u", "depth": 1}}
	b := PlanTask{ID: "b", Operation: "fetch", Params: map[string]any{"depth": 1, "url": "u"}}
	assert.Equal(t, cacheKey(a), cacheKey(b), "keys ignore task id and param order")

	c := PlanTask{ID: "c", Operation: "echo", Params: map[string]any{"url": "u", "depth": 1}}
	assert.NotEqual(t, cacheKey(a), cacheKey(c))

	explicit := PlanTask{ID: "d", Operation: "fetch", Cache: &CachePolicy{Namespace: "n", Key: "docs"}}
	assert.Equal(t, "docs", cacheKey(explicit))
}
