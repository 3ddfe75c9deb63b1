package metrics

import "context"

type workflowKey struct{}

// WithWorkflow returns a context that attributes steps to workflow id.
func WithWorkflow(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowKey{}, id)
}

// WorkflowFromContext returns the workflow id set by WithWorkflow, or "".
func WorkflowFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(workflowKey{}).(string)
	return id
}
