package models

import "time"

// User is an end-user account scoped to one application. Accounts created
// lazily by license redemption have an empty password hash and carry the
// license expiry as their subscription window.
type User struct {
	ID               int        `json:"id" db:"id"`
	Username         string     `json:"username" db:"username"`
	PasswordHash     string     `json:"-" db:"password_hash"`
	Email            string     `json:"email,omitempty" db:"email"`
	Hwid             string     `json:"hwid,omitempty" db:"hwid"`
	IPAddress        string     `json:"ip_address,omitempty" db:"ip_address"`
	SubscriptionName string     `json:"subscription_name,omitempty" db:"subscription_name"`
	ExpiryTimestamp  *time.Time `json:"expiry_timestamp,omitempty" db:"expiry_timestamp"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	LastLoginTime    *time.Time `json:"last_login_time,omitempty" db:"last_login_time"`
	IsBanned         bool       `json:"is_banned" db:"is_banned"`
	BanReason        string     `json:"ban_reason,omitempty" db:"ban_reason"`
	AppID            int        `json:"app_id" db:"app_id"`
}
