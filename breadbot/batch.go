package breadbot

import (
	"context"
	"errors"
	"github.com/lmittmann/tint"
	"log/slog"
)

// NicknameApplier sets a member's guild nickname
type NicknameApplier interface {
	SetNickname(ctx context.Context, memberID uint64, nickname string) error
}

// RenameStats counts the outcome of a rename batch
type RenameStats struct {
	Members   int `json:"members"`
	Generated int `json:"generated"`
	Cached    int `json:"cached"`
	Skipped   int `json:"skipped"`
	Applied   int `json:"applied"`
	Failed    int `json:"failed"`
}

func (s RenameStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("members", s.Members),
		slog.Int("generated", s.Generated),
		slog.Int("cached", s.Cached),
		slog.Int("skipped", s.Skipped),
		slog.Int("applied", s.Applied),
		slog.Int("failed", s.Failed),
	)
}

// RenameBatch resolves and applies a name for each member, in order.
//
// A member whose name can't be generated, or whose nickname can't be
// set, is logged and counted as failed, and the batch moves on. A
// PersistenceError or a cancelled context stops the batch.
type RenameBatch struct {
	resolver *NameResolver
	applier  NicknameApplier
	logger   *slog.Logger
}

func NewRenameBatch(
	resolver *NameResolver,
	applier NicknameApplier,
	logger *slog.Logger,
) *RenameBatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &RenameBatch{
		resolver: resolver,
		applier:  applier,
		logger:   logger.With(loggerNameKey, "rename_batch"),
	}
}

func (b *RenameBatch) Run(ctx context.Context, members []Member) (
	RenameStats,
	error,
) {
	logger := contextLoggerOr(ctx, b.logger)
	stats := RenameStats{Members: len(members)}

	if err := b.resolver.Load(ctx); err != nil {
		logger.ErrorContext(ctx, "unable to load stored names", tint.Err(err))
		return stats, err
	}

	for _, member := range members {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		res, err := b.resolver.Resolve(ctx, member)
		if err != nil {
			var exhausted *GenerationExhaustedError
			if errors.As(err, &exhausted) {
				stats.Failed++
				logger.ErrorContext(
					ctx,
					"giving up on member",
					"member", member,
					tint.Err(err),
				)
				continue
			}
			logger.ErrorContext(
				ctx,
				"stopping rename batch",
				"member", member,
				"stats", stats,
				tint.Err(err),
			)
			return stats, err
		}

		if res.Cached {
			stats.Cached++
		} else {
			stats.Generated++
		}

		if res.Name == member.Nick {
			stats.Skipped++
			logger.DebugContext(ctx, "nickname unchanged, skipping", "member", member)
			continue
		}

		if err = b.applier.SetNickname(ctx, member.ID, res.Name); err != nil {
			stats.Failed++
			logger.ErrorContext(
				ctx,
				"unable to apply nickname",
				"member", member,
				"name", res.Name,
				tint.Err(err),
			)
			continue
		}
		stats.Applied++
		logger.InfoContext(ctx, "renamed member", "member", member, "name", res.Name)
	}

	logger.InfoContext(ctx, "rename batch finished", "stats", stats)
	return stats, nil
}

// renameTargets returns the members a batch should rename: everyone
// except the owner and bot accounts, in the given order.
func renameTargets(members []Member, ownerID uint64) []Member {
	targets := make([]Member, 0, len(members))
	for _, m := range members {
		if m.ID == ownerID || m.Bot {
			continue
		}
		targets = append(targets, m)
	}
	return targets
}
