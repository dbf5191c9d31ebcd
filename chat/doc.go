// Package chat is the chat-room side of the bridge.
//
// It provides a small transport contract consumed by the bridge:
//   - OnStartup registers a callback fired once, on the first successful connect.
//   - OnMessageMatching registers a callback for messages matching a pattern.
//   - Send posts text to a room.
//
// TwitchTransport implements it over Twitch IRC. Rooms are channel names. The
// IRC client requires a bot username and a user OAuth token with chat:read and
// chat:edit scopes; ResolveToken accepts either a ready token or a refresh
// grant that is exchanged at startup.
package chat
