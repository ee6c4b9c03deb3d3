package user

import "time"

type User struct {
	ID               int64     `json:"id"`
	Username         string    `json:"username"`
	LastSeenActivity time.Time `json:"last_seen_activity"`
}

type Persona struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"user_id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

type MeResponse struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username"`
	ReadCursor time.Time `json:"read_cursor"`
}
