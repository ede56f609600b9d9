package breadbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/AfkaraLP/breadbot/breadbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// BreadBot wires configuration, storage, Discord and OpenAI together.
type BreadBot struct {
	config *Config

	// read connection. For SQLite this shares the single connection
	// with writeDB.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations, and the
	// NameStore used by rename batches
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	openai  *OpenAI

	// nil when the API is disabled
	api *API

	// signalReady has a value sent on it once the database is ready and
	// the discord session is open
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// set while a rename batch is running. Only one runs at a time.
	renameInProgress atomic.Bool

	startedAt time.Time

	// getInteractionHandlerFunc returns the InteractionHandler used to
	// respond to an incoming interaction
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates a BreadBot from the given config. It doesn't connect to
// anything, that happens in Run.
func New(config *Config) (*BreadBot, error) {
	var errs []error

	if config == nil {
		return nil, &ConfigError{Err: errors.New("nil config")}
	}
	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			&ConfigError{Err: errors.New("invalid database type (must be 'sqlite' or 'postgres')")},
		)
	}
	if config.OpenAI == nil || config.Discord == nil || config.API == nil {
		return nil, errors.Join(
			append(errs, &ConfigError{Err: errors.New("missing openai, discord or api config")})...,
		)
	}
	setDefaultLevels(config)

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &BreadBot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	b.logHandler = newTintHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.openai = newOpenAI(
		config.OpenAI,
		config.HTTPClient,
		slog.New(newTintHandler(config.OpenAI.LogLevel)),
	)

	config.Discord.httpClient = config.HTTPClient
	b.discord = newDiscord(
		config.Discord,
		slog.New(newTintHandler(config.Discord.LogLevel)),
	)
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newTintHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	if config.API.Enabled() {
		api, err := newAPI(b, config.API)
		errs = append(errs, err)
		b.api = api
	}

	return b, errors.Join(errs...)
}

// setDefaultLevels replaces any nil log levels, so they're safe to
// hand to slog handlers
func setDefaultLevels(config *Config) {
	levelOrDefault := func(lv **slog.LevelVar, def slog.Level) {
		if *lv == nil {
			*lv = &slog.LevelVar{}
			(*lv).Set(def)
		}
	}
	levelOrDefault(&config.LogLevel, DefaultLogLevel)
	levelOrDefault(&config.DatabaseLogLevel, DefaultDatabaseLogLevel)
	levelOrDefault(&config.OpenAI.LogLevel, DefaultOpenAILogLevel)
	levelOrDefault(&config.Discord.LogLevel, DefaultDiscordLogLevel)
	levelOrDefault(&config.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel)
	levelOrDefault(&config.API.LogLevel, DefaultAPILogLevel)
}

func (b *BreadBot) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// Run initializes the database, connects to discord (and starts the
// API, if enabled), then blocks until ctx is cancelled and the bot
// has shut down.
func (b *BreadBot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := ValidateConfig(b.config); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled, or if the API server fails
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	inFlight := &interactionTracker{}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initDB(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return fmt.Errorf("error initializing database: %w", err)
	}

	if b.api != nil {
		g.Go(
			func() error {
				httpErr := b.api.Serve(ctx)
				if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
					logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
					return httpErr
				}
				return nil
			},
		)
	}

	if err := b.initDiscordSession(ctx, inFlight); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		_ = g.Wait()
		return err
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		cancel()
		_ = g.Wait()
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if startCtx.Err() != nil {
		logger.WarnContext(ctx, "startup exceeded startup_timeout")
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	// block until something cancels the runtime context, generally
	// from an interrupt
	<-ctx.Done()

	shutdownErr := b.shutdown(ctx, inFlight)
	if err := g.Wait(); err != nil {
		return errors.Join(err, shutdownErr)
	}
	return shutdownErr
}

func (b *BreadBot) initDB(ctx context.Context) error {
	_, logger := b.getLogger(ctx)

	handler := newTintHandler(b.config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, b.config.DatabaseSlowThreshold)

	db, err := openDB(ctx, b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return err
	}
	b.db = db
	b.writeDB = NewDatabase(
		db,
		slog.New(handler),
		b.config.DatabaseType == dbTypePostgres,
	)

	logger.Debug("migrating database...")
	return migrateDB(ctx, db)
}

func (b *BreadBot) initDiscordSession(
	ctx context.Context,
	inFlight *interactionTracker,
) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, err := b.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(b.handlerInteractionCreate(ctx, inFlight)),
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return newGatewayHandler(
				b.discord.session,
				i,
				b.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...)),
			)
		}
	}
	return nil
}

// handlerInteractionCreate runs each incoming interaction in its own
// goroutine, tracked by inFlight. Interactions arriving once shutdown
// has started are dropped.
func (b *BreadBot) handlerInteractionCreate(
	ctx context.Context,
	inFlight *interactionTracker,
) func(s *discordgo.Session, i *discordgo.InteractionCreate) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if ctx.Err() != nil || !inFlight.add() {
			b.logger.WarnContext(
				ctx,
				"shutting down, ignoring interaction",
				slog.Group("interaction", interactionLogAttrs(*i)...),
			)
			return
		}
		handler := b.getInteractionHandlerFunc(ctx, i)
		go func() {
			defer inFlight.done()
			b.handleInteraction(ctx, handler)
		}()
	}
}

// interactionTracker counts in-flight interactions. After close, add
// refuses new ones so the WaitGroup isn't added to while it's being
// waited on.
type interactionTracker struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func (t *interactionTracker) add() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	return true
}

func (t *interactionTracker) done() {
	t.wg.Done()
}

// close stops accepting interactions, and returns a channel that's
// closed once the in-flight ones finish.
func (t *interactionTracker) close() <-chan struct{} {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(doneCh)
	}()
	return doneCh
}

// handleInteraction logs the incoming interaction and dispatches
// application commands by name.
func (b *BreadBot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	logger.InfoContext(
		ctx,
		"received new interaction",
		slog.Group("user", "id", discordUser.ID, "username", discordUser.Username),
	)

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else if _, createErr := b.writeDB.Create(ctx, interactionLog); createErr != nil {
		logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	if i.Type != discordgo.InteractionApplicationCommand {
		logger.WarnContext(ctx, "unsupported interaction type", "type", i.Type.String())
		return
	}

	switch commandName := i.ApplicationCommandData().Name; commandName {
	case DiscordSlashCommandRename:
		b.handleRenameCommand(ctx, handler, discordUser)
	default:
		logger.WarnContext(ctx, "unknown command", "command", commandName)
		_ = handler.Respond(ctx, ephemeralResponse(commandResponseUnsupported))
	}
}

func (*BreadBot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}

// shutdown waits for in-flight interactions (up to ShutdownTimeout),
// then closes the discord session and database.
func (b *BreadBot) shutdown(
	ctx context.Context,
	inFlight *interactionTracker,
) error {
	logger := b.logger
	logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case b.eventShutdown <- struct{}{}:
		default:
		}
	}()

	var errs []error

	doneCh := inFlight.close()

	timer := time.NewTimer(b.config.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-doneCh:
		logger.InfoContext(ctx, "finished handling in-flight interactions")
	case <-timer.C:
		errs = append(errs, errors.New("in-flight interactions did not finish in time"))
		logger.WarnContext(ctx, "timed out waiting on in-flight interactions")
	}

	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				logger.ErrorContext(ctx, "error closing database", tint.Err(closeErr))
				errs = append(errs, closeErr)
			}
		}
	}

	logger.InfoContext(ctx, "shutdown complete", "uptime", time.Since(b.startedAt))
	return errors.Join(errs...)
}

// Status summarizes the bot's current state
type Status struct {
	DiscordConnected   bool   `json:"discord_connected"`
	DiscordConnects    int64  `json:"discord_connects"`
	DiscordDisconnects int64  `json:"discord_disconnects"`
	RenameInProgress   bool   `json:"rename_in_progress"`
	Version            string `json:"version"`
	StartedAt          int64  `json:"started_at,omitempty"`
}

func (b *BreadBot) Status() Status {
	s := Status{
		DiscordConnected:   b.discord.connected.Load(),
		DiscordConnects:    b.discord.metricConnects.Load(),
		DiscordDisconnects: b.discord.metricDisconnects.Load(),
		RenameInProgress:   b.renameInProgress.Load(),
		Version:            Version,
	}
	if !b.startedAt.IsZero() {
		s.StartedAt = b.startedAt.UnixMilli()
	}
	return s
}
