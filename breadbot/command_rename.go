package breadbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	RenameRunStateReceived  RenameRunState = "received"
	RenameRunStateRunning   RenameRunState = "running"
	RenameRunStateCompleted RenameRunState = "completed"
	RenameRunStateFailed    RenameRunState = "failed"
	RenameRunStateRejected  RenameRunState = "rejected"

	columnRenameRunState      = "state"
	columnRenameRunStartedAt  = "started_at"
	columnRenameRunFinishedAt = "finished_at"
	columnRenameRunError      = "error"
)

var (
	renameResponseStarted      = "Renaming users..."
	renameResponseFinished     = "Finished Renaming all users."
	renameResponseFailed       = "Renaming stopped early, some users were not renamed."
	renameResponseNotAllowed   = "You are not allowed to use this command"
	renameResponseInProgress   = "A rename is already in progress"
	commandResponseUnsupported = "not implemented :("
)

type RenameRunState string

// AuthorizationError is returned when someone other than the owner
// invokes /rename
type AuthorizationError struct {
	UserID  string
	Command string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s is not allowed to use /%s", e.UserID, e.Command)
}

// RenameRun records a single /rename invocation and its outcome.
//
//nolint:lll // struct tags can't be split
type RenameRun struct {
	ModelUintID
	ModelUnixTime
	BatchID       string         `json:"batch_id" gorm:"uniqueIndex;not null"`
	InteractionID string         `json:"interaction_id" gorm:"type:string"`
	UserID        string         `json:"user_id" gorm:"index"`
	Username      string         `json:"username" gorm:"type:string"`
	State         RenameRunState `json:"state" gorm:"type:string"`
	Members       int            `json:"members"`
	Generated     int            `json:"generated"`
	Cached        int            `json:"cached"`
	Skipped       int            `json:"skipped"`
	Applied       int            `json:"applied"`
	Failed        int            `json:"failed"`
	Error         *string        `json:"error" gorm:"type:string"`
	StartedAt     *time.Time     `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at"`

	handler InteractionHandler
	logger  *slog.Logger
}

func newRenameRun(
	handler InteractionHandler,
	u *discordgo.User,
) *RenameRun {
	i := handler.GetInteraction()
	run := &RenameRun{
		BatchID:       uuid.NewString(),
		InteractionID: i.ID,
		State:         RenameRunStateReceived,
		handler:       handler,
	}
	if u != nil {
		run.UserID = u.ID
		run.Username = u.Username
	}
	run.logger = handler.Logger().With("rename_run", run)
	return run
}

func (r RenameRun) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("batch_id", r.BatchID),
		slog.String("interaction_id", r.InteractionID),
		slog.String("user_id", r.UserID),
	)
}

func (r *RenameRun) applyStats(stats RenameStats) {
	r.Members = stats.Members
	r.Generated = stats.Generated
	r.Cached = stats.Cached
	r.Skipped = stats.Skipped
	r.Applied = stats.Applied
	r.Failed = stats.Failed
}

// handleRenameCommand authorizes the /rename invocation and, if allowed,
// runs a rename batch over the guild.
func (b *BreadBot) handleRenameCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) {
	run := newRenameRun(handler, u)
	logger := run.logger

	if _, err := b.writeDB.Create(ctx, run); err != nil {
		logger.ErrorContext(ctx, "error saving rename run", tint.Err(err))
	}

	if !b.isOwner(u) {
		authErr := &AuthorizationError{UserID: run.UserID, Command: DiscordSlashCommandRename}
		logger.WarnContext(ctx, "rejected rename", tint.Err(authErr))
		b.rejectRun(ctx, run, renameResponseNotAllowed, authErr)
		return
	}

	if !b.renameInProgress.CompareAndSwap(false, true) {
		logger.WarnContext(ctx, "rename already in progress")
		b.rejectRun(ctx, run, renameResponseInProgress, errors.New(renameResponseInProgress))
		return
	}
	defer b.renameInProgress.Store(false)

	if err := run.execute(ctx, b); err != nil {
		logger.ErrorContext(ctx, "rename failed", tint.Err(err))
	}
}

func (b *BreadBot) isOwner(u *discordgo.User) bool {
	if u == nil {
		return false
	}
	id, err := parseSnowflake(u.ID)
	return err == nil && id == b.config.Discord.OwnerID
}

func (b *BreadBot) rejectRun(
	ctx context.Context,
	run *RenameRun,
	response string,
	reason error,
) {
	_ = run.handler.Respond(ctx, ephemeralResponse(response))
	now := time.Now().UTC()
	errMsg := reason.Error()
	if _, err := b.writeDB.Updates(
		ctx, run, map[string]any{
			columnRenameRunState:      RenameRunStateRejected,
			columnRenameRunError:      &errMsg,
			columnRenameRunFinishedAt: &now,
		},
	); err != nil {
		run.logger.ErrorContext(ctx, "error updating rename run", tint.Err(err))
	}
}

// execute acknowledges the interaction, renames every guild member other
// than the owner, and sends a follow-up when done.
func (r *RenameRun) execute(ctx context.Context, b *BreadBot) error {
	logger := r.logger
	ctx = WithLogger(ctx, logger)

	if err := r.handler.Respond(ctx, ephemeralResponse(renameResponseStarted)); err != nil {
		r.finish(ctx, b, RenameRunStateFailed, err)
		return err
	}

	started := time.Now().UTC()
	r.StartedAt = &started
	r.State = RenameRunStateRunning
	if _, err := b.writeDB.Updates(
		ctx, r, map[string]any{
			columnRenameRunState:     RenameRunStateRunning,
			columnRenameRunStartedAt: &started,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error updating rename run", tint.Err(err))
	}

	members, err := b.discord.guildMembers(ctx)
	if err != nil {
		r.followUp(ctx, renameResponseFailed)
		r.finish(ctx, b, RenameRunStateFailed, err)
		return err
	}
	targets := renameTargets(members, b.config.Discord.OwnerID)
	logger.InfoContext(ctx, "renaming members", "count", len(targets))

	resolver := NewNameResolver(b.writeDB, b.openai, b.config.OpenAI.Retry.Policy(), logger)
	batch := NewRenameBatch(resolver, b.discord, logger)
	stats, err := batch.Run(ctx, targets)
	r.applyStats(stats)
	if err != nil {
		r.followUp(ctx, renameResponseFailed)
		r.finish(ctx, b, RenameRunStateFailed, err)
		return err
	}

	r.followUp(ctx, renameResponseFinished)
	r.finish(ctx, b, RenameRunStateCompleted, nil)
	return nil
}

func (r *RenameRun) followUp(ctx context.Context, content string) {
	// the interaction may outlive a cancelled batch
	ctx = context.WithoutCancel(ctx)
	if _, err := r.handler.FollowUp(ctx, ephemeralFollowUp(content)); err != nil {
		r.logger.ErrorContext(ctx, "error sending follow-up", tint.Err(err))
	}
}

func (r *RenameRun) finish(
	ctx context.Context,
	b *BreadBot,
	state RenameRunState,
	runErr error,
) {
	finished := time.Now().UTC()
	r.State = state
	r.FinishedAt = &finished
	if runErr != nil {
		errMsg := runErr.Error()
		r.Error = &errMsg
	}

	_, err := b.writeDB.Save(context.WithoutCancel(ctx), r)
	if err != nil {
		r.logger.ErrorContext(ctx, "error saving rename run", tint.Err(err))
	}
	r.logger.InfoContext(
		ctx,
		"rename run finished",
		"state", state,
		"stats", RenameStats{
			Members:   r.Members,
			Generated: r.Generated,
			Cached:    r.Cached,
			Skipped:   r.Skipped,
			Applied:   r.Applied,
			Failed:    r.Failed,
		},
	)
}

// recentRenameRuns returns the most recent rename runs, newest first
func recentRenameRuns(ctx context.Context, db DBI, limit int) ([]RenameRun, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var runs []RenameRun
	err := db.DB().WithContext(ctx).
		Order("id desc").
		Limit(clampLimit(limit)).
		Find(&runs).Error
	return runs, err
}
