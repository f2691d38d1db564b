package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// App is the tenant boundary. Users, licenses, variables and logs all hang
// off one app, and every cross-entity admin query joins through admin_id.
type App struct {
	ID          int       `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	Secret      string    `json:"secret" db:"secret"`
	Version     string    `json:"version" db:"version"`
	ForceUpdate bool      `json:"force_update" db:"force_update"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	WebhookURL  string    `json:"webhook_url,omitempty" db:"webhook_url"`
	AdminID     int       `json:"admin_id" db:"admin_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// GenerateAppSecret returns the shared secret that authenticates client
// SDK calls for one application.
func GenerateAppSecret() string {
	raw := make([]byte, 32)
	rand.Read(raw)
	return hex.EncodeToString(raw)
}

// AppLog is an app-scoped audit record written by the client auth paths.
type AppLog struct {
	ID        int       `json:"id" db:"id"`
	AppID     int       `json:"app_id" db:"app_id"`
	Action    string    `json:"action" db:"action"`
	UserID    *int      `json:"user_id,omitempty" db:"user_id"`
	IPAddress string    `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent string    `json:"user_agent,omitempty" db:"user_agent"`
	Details   string    `json:"details,omitempty" db:"details"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AppVariable is a per-app key/value pair served to client SDKs.
type AppVariable struct {
	ID        int       `json:"id" db:"id"`
	AppID     int       `json:"app_id" db:"app_id"`
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
