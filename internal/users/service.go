package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/collab/internal/ids"
	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"go.uber.org/zap"
)

// ErrUsernameRequired indicates a blank display name.
var ErrUsernameRequired = errors.New("users: username required")

var (
	errMissingRows       = errors.New("users: rows service required")
	errMissingCache      = errors.New("users: identity cache required")
	errMissingIDProvider = errors.New("users: id provider required")
)

// IdentityCache holds the locally persisted identity.
type IdentityCache interface {
	CachedIdentity() (User, bool)
	SetIdentity(User) error
	ClearIdentity() error
}

// ResolverConfig describes the dependencies of a Resolver.
type ResolverConfig struct {
	Rows       rows.Service
	Cache      IdentityCache
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Resolver turns a display name into a users row and caches the result.
type Resolver struct {
	rows       rows.Service
	cache      IdentityCache
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewResolver validates cfg and constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Rows == nil {
		return nil, errMissingRows
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		rows:       cfg.Rows,
		cache:      cfg.Cache,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Cached returns the identity adopted by an earlier Resolve.
func (r *Resolver) Cached() (User, bool) {
	return r.cache.CachedIdentity()
}

// Forget drops the cached identity. The users row is kept.
func (r *Resolver) Forget() error {
	return r.cache.ClearIdentity()
}

// Resolve adopts the users row named username, inserting one when no row
// matches. The lookup and the insert are separate requests, so concurrent
// callers choosing the same name can both insert.
func (r *Resolver) Resolve(ctx context.Context, username string) (User, error) {
	name := normalize(username)
	if name == "" {
		return User{}, ErrUsernameRequired
	}

	user, err := r.lookup(ctx, name)
	switch {
	case err == nil:
	case rows.IsNoRows(err):
		user, err = r.create(ctx, name)
		if err != nil {
			return User{}, err
		}
	default:
		r.logger.Error("profile lookup failed", zap.String("username", name), zap.Error(err))
		return User{}, fmt.Errorf("users: lookup %q: %w", name, err)
	}

	if err := r.cache.SetIdentity(user); err != nil {
		r.logger.Error("failed to cache identity", zap.String("user_id", user.ID), zap.Error(err))
		return User{}, fmt.Errorf("users: cache identity: %w", err)
	}
	return user, nil
}

func (r *Resolver) lookup(ctx context.Context, name string) (User, error) {
	found, err := r.rows.Select(ctx, rows.TableUsers, rows.Query{
		Columns: []string{"id", "username"},
		Filters: []rows.Filter{rows.Eq("username", name)},
		Single:  true,
	})
	if err != nil {
		return User{}, err
	}
	return DecodeUser(found[0])
}

func (r *Resolver) create(ctx context.Context, name string) (User, error) {
	id, err := r.idProvider.NewID()
	if err != nil {
		return User{}, fmt.Errorf("users: generate id: %w", err)
	}
	record, err := rows.Marshal(User{ID: id, Username: name})
	if err != nil {
		return User{}, fmt.Errorf("users: encode user: %w", err)
	}
	inserted, err := r.rows.Insert(ctx, rows.TableUsers, []json.RawMessage{record}, rows.InsertOptions{})
	if err != nil {
		r.logger.Error("profile insert failed", zap.String("username", name), zap.Error(err))
		return User{}, fmt.Errorf("users: insert %q: %w", name, err)
	}
	if len(inserted) != 1 {
		return User{}, fmt.Errorf("%w: insert returned %d rows", ErrMalformedUser, len(inserted))
	}
	return DecodeUser(inserted[0])
}
