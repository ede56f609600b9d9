// Package breadbot implements a Discord bot that renames the members of a
// guild with bread-pun nicknames generated by an OpenAI-compatible chat
// completion API.
//
// A single administrative slash command, /rename, walks every member of the
// configured guild in order. For each member, the bot either reuses the name
// already stored for that member, or asks the language model for a new one,
// stores it, and then applies it as the member's nickname.
//
// Key components of the package include:
//
//   - BreadBot: The main struct which wires configuration, storage, Discord
//     and OpenAI together and runs the bot.
//   - NameResolver: Decides per member whether to reuse a stored name or
//     generate a new one.
//   - OpenAI: Performs the name generation call against the provider.
//   - Discord: Handles the gateway session, command registration and
//     member/nickname operations.
//   - API: An optional admin HTTP API for inspecting and forgetting stored
//     names.
//
// Stored names are never regenerated. Deleting a stored name (via the API or
// the `names forget` subcommand) is the only way to get a fresh one on the
// next /rename.
package breadbot
