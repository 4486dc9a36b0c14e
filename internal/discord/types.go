// Package discord adapts a discordgo session to the lookups the agent needs:
// guild snapshots from the gateway state, member search, and role grants.
package discord

type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
	Bot        bool   `json:"bot,omitempty"`
}

type Member struct {
	User  User     `json:"user"`
	Nick  string   `json:"nick,omitempty"`
	Roles []string `json:"roles"`
}

type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Guild is a point-in-time copy of a guild held in the session state.
type Guild struct {
	ID      string
	Name    string
	Roles   []Role
	Members []Member
}
