package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BadgerOps/docmigrate/internal/manifest"
	"github.com/BadgerOps/docmigrate/internal/remote"
	"github.com/BadgerOps/docmigrate/internal/workpool"
)

// ResolutionMap lists the sub-collections confirmed to exist for one
// directory. It is read-only once Resolve returns.
type ResolutionMap struct {
	groups   []string
	resolved map[string]map[string]remote.Handle

	// GroupErrors holds the failure that excluded each dropped group.
	GroupErrors map[string]error
	// KeyErrors holds lookup or creation failures of single keys.
	KeyErrors map[manifest.ResourceKey]error
}

func newResolutionMap() *ResolutionMap {
	return &ResolutionMap{
		resolved:    make(map[string]map[string]remote.Handle),
		GroupErrors: make(map[string]error),
		KeyErrors:   make(map[manifest.ResourceKey]error),
	}
}

func (m *ResolutionMap) add(group, key string, h remote.Handle) {
	keys, ok := m.resolved[group]
	if !ok {
		keys = make(map[string]remote.Handle)
		m.resolved[group] = keys
		m.groups = append(m.groups, group)
	}
	keys[key] = h
}

// Resolved reports whether records filed under (group, key) can be
// transferred.
func (m *ResolutionMap) Resolved(group, key string) bool {
	_, ok := m.resolved[group][key]
	return ok
}

// Handle returns the sub-collection of a resolved key.
func (m *ResolutionMap) Handle(group, key string) (remote.Handle, bool) {
	h, ok := m.resolved[group][key]
	return h, ok
}

// Groups returns the groups with at least one resolved key, in manifest
// order.
func (m *ResolutionMap) Groups() []string {
	return append([]string(nil), m.groups...)
}

// Len returns the number of resolved keys.
func (m *ResolutionMap) Len() int {
	n := 0
	for _, keys := range m.resolved {
		n += len(keys)
	}
	return n
}

// Resolver makes sure every resource referenced by a manifest has a
// sub-collection in the remote store.
type Resolver struct {
	store   remote.DocumentStore
	meta    Metadata
	workers int
	logger  *slog.Logger
}

// NewResolver creates a resolver that looks up keys of one group with up to
// workers concurrent requests.
func NewResolver(store remote.DocumentStore, meta Metadata, workers int, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, meta: meta, workers: workers, logger: logger}
}

// Resolve builds the resolution map for a manifest. It returns a
// ManifestError, before any remote call, when records sharing a key
// disagree on their context. Group and key failures are recorded in the map
// and do not fail the call.
func (r *Resolver) Resolve(ctx context.Context, m *manifest.Manifest) (*ResolutionMap, error) {
	if err := m.CheckConsistency(); err != nil {
		return nil, &ManifestError{Path: m.Path, Reason: "inconsistent resource data", Err: err}
	}

	rmap := newResolutionMap()
	for _, group := range m.Groups() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resources := m.Resources(group)
		if err := r.resolveGroup(ctx, m.Path, group, resources, rmap); err != nil {
			rmap.GroupErrors[group] = err
			r.logger.Warn("skipping group", "group", group, "resources", len(resources), "error", err)
		}
	}
	return rmap, nil
}

func (r *Resolver) resolveGroup(ctx context.Context, manifestPath, group string, resources []manifest.Resource, rmap *ResolutionMap) error {
	for _, res := range resources {
		if err := manifest.ValidateKey(res.Key); err != nil {
			return &ManifestError{Path: manifestPath, Group: group, Reason: "malformed resource key", Err: err}
		}
	}

	c, err := r.store.GetCollection(ctx, group)
	coll := remote.Probe(c, err)
	switch coll.Presence {
	case remote.Absent:
		return &RemoteUnavailableError{Group: group}
	case remote.LookupFailed:
		return &RemoteUnavailableError{Group: group, Err: coll.Err}
	}

	lookupPool := workpool.New(r.workers, func(ctx context.Context, res manifest.Resource) (remote.Lookup[*remote.Handle], error) {
		h, err := r.store.GetSubCollection(ctx, group, res.Key)
		return remote.Probe(h, err), nil
	}, r.logger)
	lookups := lookupPool.Execute(ctx, resources)

	var missing []manifest.Resource
	for _, lr := range lookups {
		if lr.Err != nil {
			rmap.KeyErrors[lr.Job.ResourceKey()] = lr.Err
			continue
		}
		l := lr.Value
		switch {
		case l.Presence == remote.Absent:
			missing = append(missing, lr.Job)
		case l.Presence == remote.LookupFailed && errors.Is(l.Err, remote.ErrAmbiguous):
			return &AmbiguousResourceError{Group: group, Key: lr.Job.Key, Err: l.Err}
		}
	}

	for _, lr := range lookups {
		if lr.Err != nil {
			continue
		}
		l := lr.Value
		switch l.Presence {
		case remote.Exists:
			r.logger.Debug("document set exists", "group", group, "key", lr.Job.Key)
			rmap.add(group, lr.Job.Key, *l.Value)
		case remote.LookupFailed:
			rmap.KeyErrors[lr.Job.ResourceKey()] = l.Err
			r.logger.Error("document set lookup failed", "group", group, "key", lr.Job.Key, "error", l.Err)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	ct, err := r.store.GetContentType(ctx, group, r.meta.ContentType)
	if err != nil {
		for _, res := range missing {
			rmap.KeyErrors[res.ResourceKey()] = err
		}
		r.logger.Error("content type lookup failed", "group", group, "content_type", r.meta.ContentType, "error", err)
		return nil
	}

	createPool := workpool.New(r.workers, func(ctx context.Context, res manifest.Resource) (*remote.Handle, error) {
		return r.create(ctx, res, ct.ID)
	}, r.logger)
	for _, cr := range createPool.Execute(ctx, missing) {
		if cr.Err != nil {
			rmap.KeyErrors[cr.Job.ResourceKey()] = cr.Err
			r.logger.Error("failed to create document set", "group", group, "key", cr.Job.Key, "error", cr.Err)
			continue
		}
		rmap.add(group, cr.Job.Key, *cr.Value)
	}
	return nil
}

func (r *Resolver) create(ctx context.Context, res manifest.Resource, contentTypeID string) (*remote.Handle, error) {
	h, err := r.store.CreateSubCollection(ctx, res.Group, res.Key, contentTypeID)
	if err != nil {
		return nil, err
	}
	r.logger.Info("created document set", "group", res.Group, "key", res.Key, "path", h.Path)

	if err := r.store.SetProperties(ctx, *h, r.contextProperties(res)); err != nil {
		return nil, err
	}
	return h, nil
}

func (r *Resolver) contextProperties(res manifest.Resource) map[string]string {
	props := make(map[string]string, 6)
	set := func(field, value string) {
		if field != "" {
			props[field] = value
		}
	}
	set(r.meta.KeyField, res.Key)
	set(r.meta.GroupField, res.Group)
	set(r.meta.SectionField, res.Context.Section)
	set(r.meta.TownshipField, res.Context.Township)
	set(r.meta.RangeField, res.Context.Range)
	set(r.meta.DisplayNameField, res.Context.DisplayName)
	return props
}
