// Package queueaccess gives CLI commands one interface over queue
// maintenance, backed by the daemon API when one is running and by direct
// store access otherwise.
package queueaccess

import (
	"context"

	"framewise/internal/api"
	"framewise/internal/broker"
	"framewise/internal/client"
	"framewise/internal/jobs"
	"framewise/internal/services"
)

// Access provides queue operations regardless of API or direct store backing.
type Access interface {
	Stats(ctx context.Context) (api.StatsResponse, error)
	List(ctx context.Context, state string) ([]api.JobSummary, error)
	Status(ctx context.Context, id string) (api.StatusEnvelope, error)
	RetryFailed(ctx context.Context) (int, error)
	ClearCompleted(ctx context.Context) (int, error)
	ClearFailed(ctx context.Context) (int, error)
}

// NewAPIAccess returns an Access backed by a running daemon.
func NewAPIAccess(c *client.Client) Access {
	return &apiAccess{client: c}
}

// NewStoreAccess returns an Access backed by direct DB access.
func NewStoreAccess(store *jobs.Store, b *broker.Broker) Access {
	return &storeAccess{store: store, broker: b}
}

type apiAccess struct {
	client *client.Client
}

func (a *apiAccess) Stats(ctx context.Context) (api.StatsResponse, error) {
	return a.client.Stats(ctx)
}

func (a *apiAccess) List(ctx context.Context, state string) ([]api.JobSummary, error) {
	return a.client.List(ctx, state)
}

func (a *apiAccess) Status(ctx context.Context, id string) (api.StatusEnvelope, error) {
	return a.client.Status(ctx, id)
}

func (a *apiAccess) RetryFailed(ctx context.Context) (int, error) {
	return a.client.RetryFailed(ctx)
}

func (a *apiAccess) ClearCompleted(ctx context.Context) (int, error) {
	return a.client.ClearCompleted(ctx)
}

func (a *apiAccess) ClearFailed(ctx context.Context) (int, error) {
	return a.client.ClearFailed(ctx)
}

type storeAccess struct {
	store  *jobs.Store
	broker *broker.Broker
}

func (a *storeAccess) Stats(ctx context.Context) (api.StatsResponse, error) {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return api.StatsResponse{}, err
	}
	depth, err := a.broker.Depth(ctx)
	if err != nil {
		return api.StatsResponse{}, err
	}
	resp := api.StatsResponse{Depth: depth, ByState: make(map[string]int, len(stats))}
	for status, count := range stats {
		resp.ByState[string(status)] = count
		resp.Total += count
	}
	return resp, nil
}

func (a *storeAccess) List(ctx context.Context, state string) ([]api.JobSummary, error) {
	var filters []jobs.Status
	if state != "" {
		parsed, ok := jobs.ParseStatus(state)
		if !ok {
			return nil, services.Wrap(services.ErrValidation, "queueaccess", "list", "invalid state: "+state, nil)
		}
		filters = append(filters, parsed)
	}
	list, err := a.store.List(ctx, filters...)
	if err != nil {
		return nil, err
	}
	summaries := make([]api.JobSummary, 0, len(list))
	for _, job := range list {
		summaries = append(summaries, api.SummaryFromJob(job))
	}
	return summaries, nil
}

func (a *storeAccess) Status(ctx context.Context, id string) (api.StatusEnvelope, error) {
	job, err := a.store.Get(ctx, id)
	if err != nil {
		return api.StatusEnvelope{}, err
	}
	return api.EnvelopeFromJob(job), nil
}

// RetryFailed resubmits failed jobs under fresh ids and dispatches the
// clones through the broker, matching the daemon endpoint's behavior.
func (a *storeAccess) RetryFailed(ctx context.Context) (int, error) {
	ids, err := a.store.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, id := range ids {
		job, err := a.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if err := a.broker.Enqueue(ctx, job.ID, job.InputRef); err != nil {
			return retried, err
		}
		retried++
	}
	return retried, nil
}

func (a *storeAccess) ClearCompleted(ctx context.Context) (int, error) {
	return a.store.ClearCompleted(ctx)
}

func (a *storeAccess) ClearFailed(ctx context.Context) (int, error) {
	return a.store.ClearFailed(ctx)
}
