package id

import "context"

type contextKey string

const (
	missionKey contextKey = "helmsman_mission_id"
	runKey     contextKey = "helmsman_run_id"
)

// WithMissionID stores the mission identifier on the context.
func WithMissionID(ctx context.Context, missionID string) context.Context {
	if missionID == "" {
		return ctx
	}
	return context.WithValue(ctx, missionKey, missionID)
}

// MissionIDFromContext returns the mission identifier stored on the context, if any.
func MissionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(missionKey).(string); ok {
		return v
	}
	return ""
}

// WithRunID stores the current run identifier on the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey, runID)
}

// RunIDFromContext returns the run identifier stored on the context, if any.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runKey).(string); ok {
		return v
	}
	return ""
}
