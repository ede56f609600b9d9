package breadbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

const (
	// discordGuildMembersPageSize is the maximum page size of the
	// list guild members endpoint
	discordGuildMembersPageSize = 1000

	renameCommandDescription = "Renames the people of the server"
)

// ApplyError indicates a nickname couldn't be applied to a member
type ApplyError struct {
	MemberID uint64
	Nickname string
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf(
		"unable to set nickname %q for member %d: %s",
		e.Nickname,
		e.MemberID,
		e.Err,
	)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// Discord manages the gateway session, command registration and the
// guild member operations used by /rename.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()

	// appID is set from the Ready event
	appID string
	mu    sync.RWMutex
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:                      config,
		logger:                      logger.With(loggerNameKey, "discord"),
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new discordgo session with the configured
// token, intents and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if d.config.DiscordGoLogLevel != nil {
		if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
			return session, err
		}
	}
	return session, nil
}

// appCommandRename returns the /rename command, usable only in guilds
func (*Discord) appCommandRename() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandRename,
		Type:        discordgo.ChatApplicationCommand,
		Description: renameCommandDescription,
		Contexts:    &contexts,
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint for the configured guild
func (d *Discord) registerCommands(
	appID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	if appID == "" {
		return nil, errors.New("application ID not set")
	}
	commands := []*discordgo.ApplicationCommand{
		d.appCommandRename(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		d.config.GuildIDString(),
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var appID string
		if r.Application != nil {
			appID = r.Application.ID
		}
		if appID == "" && r.User != nil {
			appID = r.User.ID
		}
		d.mu.Lock()
		d.appID = appID
		d.mu.Unlock()

		logAttrs := []any{"session_id", r.SessionID, "app_id", appID}
		if r.User != nil {
			logAttrs = append(logAttrs, "user_id", r.User.ID, "username", r.User.Username)
		}
		d.logger.Info("Ready", logAttrs...)

		if _, err := d.registerCommands(appID); err != nil {
			d.logger.Error("unable to register commands", tint.Err(err))
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected")
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// guildMembers returns every member of the configured guild, paging
// through the list guild members endpoint.
func (d *Discord) guildMembers(ctx context.Context) ([]Member, error) {
	guildID := d.config.GuildIDString()
	var members []Member
	after := ""

	for {
		if err := ctx.Err(); err != nil {
			return members, err
		}
		page, err := d.session.GuildMembers(
			guildID,
			after,
			discordGuildMembersPageSize,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return members, fmt.Errorf("error listing guild members: %w", err)
		}

		for _, gm := range page {
			if gm == nil || gm.User == nil {
				continue
			}
			m, convErr := newMember(gm)
			if convErr != nil {
				d.logger.WarnContext(
					ctx,
					"skipping member with invalid ID",
					"user_id", gm.User.ID,
					tint.Err(convErr),
				)
				continue
			}
			members = append(members, m)
		}

		if len(page) < discordGuildMembersPageSize {
			break
		}
		last := page[len(page)-1]
		if last == nil || last.User == nil {
			break
		}
		after = last.User.ID
	}

	d.logger.InfoContext(ctx, "listed guild members", "count", len(members))
	return members, nil
}

// SetNickname implements NicknameApplier
func (d *Discord) SetNickname(
	ctx context.Context,
	memberID uint64,
	nickname string,
) error {
	err := d.session.GuildMemberNickname(
		d.config.GuildIDString(),
		formatSnowflake(memberID),
		nickname,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return &ApplyError{MemberID: memberID, Nickname: nickname, Err: err}
	}
	return nil
}

func newMember(gm *discordgo.Member) (Member, error) {
	id, err := parseSnowflake(gm.User.ID)
	if err != nil {
		return Member{}, err
	}
	return Member{
		ID:          id,
		DisplayName: gm.User.Username,
		Nick:        gm.Nick,
		Bot:         gm.User.Bot,
	}, nil
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// FollowupMessageCreate sends a follow-up message to an interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GuildMembers lists up to limit members of a guild, with IDs
	// greater than after
	GuildMembers(
		guildID string,
		after string,
		limit int,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)

	// GuildMemberNickname sets a member's nickname
	GuildMemberNickname(
		guildID string,
		userID string,
		nickname string,
		options ...discordgo.RequestOption,
	) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	options ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	members, err := d.session.GuildMembers(guildID, after, limit, options...)
	if err != nil {
		d.logger.Error(
			"error listing guild members",
			"guild_id", guildID,
			"after", after,
			tint.Err(err),
		)
	}
	return members, err
}

func (d DiscordSession) GuildMemberNickname(
	guildID string,
	userID string,
	nickname string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberNickname(guildID, userID, nickname, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i == nil || i.Interaction == nil {
		return nil
	}
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}
