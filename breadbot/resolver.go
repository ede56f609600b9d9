package breadbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Member is a guild member to be renamed
type Member struct {
	ID uint64

	// DisplayName is the name sent to the generator
	DisplayName string

	// Nick is the member's current guild nickname, if any
	Nick string

	Bot bool
}

func (m Member) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", m.ID),
		slog.String("display_name", m.DisplayName),
		slog.String("nick", m.Nick),
	)
}

// Resolution is the outcome of resolving a member's name
type Resolution struct {
	Name string

	// Cached is true when Name was already stored, and no generation
	// request was made
	Cached bool

	// Attempts is the number of generation attempts made
	Attempts int
}

// PersistenceError indicates the name store failed. A rename batch
// stops at the first PersistenceError.
type PersistenceError struct {
	Op       string
	MemberID uint64
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.MemberID == 0 {
		return fmt.Sprintf("persistence error (%s): %s", e.Op, e.Err)
	}
	return fmt.Sprintf(
		"persistence error (%s, member %d): %s",
		e.Op,
		e.MemberID,
		e.Err,
	)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ErrResolverNotLoaded is returned by NameResolver.Resolve before Load
// has succeeded
var ErrResolverNotLoaded = errors.New("name resolver not loaded")

// NameResolver decides, per member, whether to reuse a stored name or
// generate and store a new one. A NameResolver is meant to be used for
// a single batch: Load reads the store once, and every generated name
// is added to that snapshot.
type NameResolver struct {
	store  NameStore
	gen    NameGenerator
	policy RetryPolicy
	logger *slog.Logger

	mu    sync.Mutex
	names map[uint64]string
}

func NewNameResolver(
	store NameStore,
	gen NameGenerator,
	policy RetryPolicy,
	logger *slog.Logger,
) *NameResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &NameResolver{
		store:  store,
		gen:    gen,
		policy: policy,
		logger: logger.With(loggerNameKey, "resolver"),
	}
}

// Load reads every stored name into memory
func (r *NameResolver) Load(ctx context.Context) error {
	names, err := r.store.LoadAll(ctx)
	if err != nil {
		return &PersistenceError{Op: "load", Err: err}
	}
	if names == nil {
		names = map[uint64]string{}
	}
	r.mu.Lock()
	r.names = names
	r.mu.Unlock()
	r.logger.InfoContext(ctx, "loaded stored names", "count", len(names))
	return nil
}

// Resolve returns the name to use for the given member.
//
// A stored name is returned as-is. Otherwise, a name is generated under
// the resolver's RetryPolicy and persisted before being returned.
// Errors are a *GenerationExhaustedError, a *PersistenceError, or the
// context's error.
func (r *NameResolver) Resolve(ctx context.Context, member Member) (
	Resolution,
	error,
) {
	logger := contextLoggerOr(ctx, r.logger)

	r.mu.Lock()
	loaded := r.names != nil
	name, cached := r.names[member.ID]
	r.mu.Unlock()

	if !loaded {
		return Resolution{}, ErrResolverNotLoaded
	}
	if cached {
		logger.DebugContext(ctx, "using stored name", "member", member, "name", name)
		return Resolution{Name: name, Cached: true}, nil
	}

	name, attempts, err := generateWithRetry(
		ctx,
		r.gen,
		r.policy,
		logger,
		member.DisplayName,
	)
	if err != nil {
		return Resolution{Attempts: attempts}, err
	}

	if err = r.store.Upsert(ctx, member.ID, name); err != nil {
		return Resolution{Attempts: attempts}, &PersistenceError{
			Op:       "upsert",
			MemberID: member.ID,
			Err:      err,
		}
	}

	r.mu.Lock()
	r.names[member.ID] = name
	r.mu.Unlock()

	logger.InfoContext(
		ctx,
		"generated name",
		"member", member,
		"name", name,
		"attempts", attempts,
	)
	return Resolution{Name: name, Attempts: attempts}, nil
}
