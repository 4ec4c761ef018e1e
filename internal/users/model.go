package users

import (
	"strconv"
	"strings"
	"time"
)

// User is a registered account.
type User struct {
	ID           uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Username     string    `gorm:"column:username;size:64;not null;uniqueIndex"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:255;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// IDString renders the account id the way realtime and token claims carry it.
func (u User) IDString() string {
	return strconv.FormatUint(uint64(u.ID), 10)
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
