package models

import "github.com/google/uuid"

// GameDefinition describes a remote game service. Read-only for the core;
// rows are managed out of band.
type GameDefinition struct {
	ID              uuid.UUID              `json:"id"`
	Name            string                 `json:"name"`
	ServiceName     string                 `json:"service_name"` // matches api_keys.service_name
	BaseURL         string                 `json:"base_url"`
	MinPlayers      int                    `json:"min_players"`
	MaxPlayers      int                    `json:"max_players"`
	IsActive        bool                   `json:"is_active"`
	MaintenanceMode bool                   `json:"maintenance_mode"`
	SettingsSchema  map[string]interface{} `json:"settings_schema,omitempty"`
	DefaultSettings map[string]interface{} `json:"default_settings,omitempty"`
}

// Selectable reports whether the game may be chosen for a room right now.
func (g *GameDefinition) Selectable() bool {
	return g.IsActive && !g.MaintenanceMode
}
