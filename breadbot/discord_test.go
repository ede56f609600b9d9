package breadbot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func newTestDiscord(t testing.TB) (*Discord, *mockDiscordSession) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	d := newDiscord(cfg.Discord, nil)
	session := newMockDiscordSession()
	d.session = session
	return d, session
}

func TestDiscord_GuildMembers(t *testing.T) {
	d, session := newTestDiscord(t)

	total := discordGuildMembersPageSize*2 + 500
	for i := 1; i <= total; i++ {
		session.Members = append(session.Members, newGuildMember(uint64(i), "member", ""))
	}
	// entries without a user, or with an invalid ID, are skipped
	session.Members = append(
		session.Members,
		&discordgo.Member{Nick: "ghost"},
	)

	members, err := d.guildMembers(context.Background())
	require.NoError(t, err)
	require.Len(t, members, total)
	assert.Equal(t, uint64(1), members[0].ID)
	assert.Equal(t, uint64(total), members[len(members)-1].ID)

	session.state.mu.Lock()
	pages := append([]string(nil), session.state.guildMemberPages...)
	session.state.mu.Unlock()
	assert.Equal(
		t,
		[]string{"", formatSnowflake(discordGuildMembersPageSize), formatSnowflake(2 * discordGuildMembersPageSize)},
		pages,
	)
}

func TestDiscord_GuildMembers_Error(t *testing.T) {
	d, session := newTestDiscord(t)
	session.GuildMembersErr = errors.New("missing access")

	_, err := d.guildMembers(context.Background())
	assert.ErrorIs(t, err, session.GuildMembersErr)
}

func TestNewMember(t *testing.T) {
	gm := newGuildMember(1234, "Bradix", "Breadix")
	gm.User.GlobalName = "Brad"
	m, err := newMember(gm)
	require.NoError(t, err)
	assert.Equal(t, Member{ID: 1234, DisplayName: "Bradix", Nick: "Breadix"}, m)

	gm.User.ID = "nope"
	_, err = newMember(gm)
	assert.Error(t, err)
}

func TestDiscord_SetNickname(t *testing.T) {
	d, session := newTestDiscord(t)
	ctx := context.Background()

	require.NoError(t, d.SetNickname(ctx, 1234, "Breadix"))
	assert.Equal(t, map[string]string{"1234": "Breadix"}, session.nicknames())

	permErr := errors.New("HTTP 403 Forbidden")
	session.NicknameErr["5678"] = permErr
	err := d.SetNickname(ctx, 5678, "AlbyDough")

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, uint64(5678), applyErr.MemberID)
	assert.Equal(t, "AlbyDough", applyErr.Nickname)
	assert.ErrorIs(t, err, permErr)
}

func TestDiscord_RegisterCommands(t *testing.T) {
	d, session := newTestDiscord(t)

	_, err := d.registerCommands("")
	assert.Error(t, err)

	created, err := d.registerCommands("app_id")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, DiscordSlashCommandRename, created[0].Name)
	assert.Equal(t, formatSnowflake(testGuildID), created[0].GuildID)

	session.state.mu.Lock()
	defer session.state.mu.Unlock()
	require.Len(t, session.state.overwrites, 1)
	cmd := session.state.overwrites[0][0]
	assert.Equal(t, renameCommandDescription, cmd.Description)
	require.NotNil(t, cmd.Contexts)
	assert.Equal(t, []discordgo.InteractionContextType{discordgo.InteractionContextGuild}, *cmd.Contexts)
}

func TestDiscord_HandlerReady(t *testing.T) {
	d, session := newTestDiscord(t)

	d.handlerReady()(
		nil,
		&discordgo.Ready{
			SessionID:   "session",
			User:        &discordgo.User{ID: "bot_user", Username: "breadbot"},
			Application: &discordgo.Application{ID: "app_id"},
		},
	)
	d.mu.RLock()
	assert.Equal(t, "app_id", d.appID)
	d.mu.RUnlock()

	session.state.mu.Lock()
	assert.Len(t, session.state.overwrites, 1)
	session.state.mu.Unlock()

	// falls back to the bot user's ID
	d.handlerReady()(nil, &discordgo.Ready{User: &discordgo.User{ID: "bot_user"}})
	d.mu.RLock()
	assert.Equal(t, "bot_user", d.appID)
	d.mu.RUnlock()
}

func TestDiscord_ConnectionHandlers(t *testing.T) {
	d, _ := newTestDiscord(t)

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.connected.Load())
	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.connected.Load())
	d.handlerConnect()(nil, &discordgo.Connect{})

	assert.Equal(t, int64(2), d.metricConnects.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}

func TestGetDiscordUser(t *testing.T) {
	assert.Nil(t, getDiscordUser(nil))
	assert.Nil(t, getDiscordUser(&discordgo.InteractionCreate{}))

	i := newRenameInteraction(1234, "Bradix")
	u := getDiscordUser(i)
	require.NotNil(t, u)
	assert.Equal(t, "1234", u.ID)

	i.User = &discordgo.User{ID: "5678"}
	assert.Equal(t, "5678", getDiscordUser(i).ID)
}
