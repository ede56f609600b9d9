package breadbot

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// InteractionLog records every interaction received from discord
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	CommandName   string `json:"command_name" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		interactionLog.CommandName = i.ApplicationCommandData().Name
	}
	return interactionLog, nil
}

// InteractionHandler responds to a single discord interaction
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// FollowUp sends a follow-up message after the initial response
	FollowUp(
		ctx context.Context,
		params *discordgo.WebhookParams,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func newGatewayHandler(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
) GatewayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return GatewayHandler{
		session:     session,
		interaction: i,
		logger:      logger,
	}
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) FollowUp(
	ctx context.Context,
	params *discordgo.WebhookParams,
) (*discordgo.Message, error) {
	msg, err := w.session.FollowupMessageCreate(
		w.interaction.Interaction,
		true,
		params,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error sending follow-up", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "sent follow-up")
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// ephemeralResponse returns an immediate, ephemeral channel message response
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

func ephemeralFollowUp(content string) *discordgo.WebhookParams {
	return &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	}
}
