package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// User is a registered member of the platform
type User struct {
	UserID     string    `bson:"user_id" json:"user_id"`
	Name       string    `bson:"name" json:"name"`
	Email      string    `bson:"email" json:"email"`
	Region     string    `bson:"region" json:"region"`
	Location   Point     `bson:"location" json:"location"`
	Verified   bool      `bson:"verified" json:"verified"`
	Reputation int       `bson:"reputation" json:"reputation"`
	Timestamp  time.Time `bson:"timestamp" json:"timestamp"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}

// NewUser constructs a user with a fresh id and creation timestamp
func NewUser(name, email, region string, location Point, verified bool, reputation int) *User {
	now := Now()
	return &User{
		UserID:     uuid.New().String(),
		Name:       name,
		Email:      email,
		Region:     region,
		Location:   location,
		Verified:   verified,
		Reputation: reputation,
		Timestamp:  now,
		CreatedAt:  now,
	}
}

// Validate checks required fields. Error messages are returned verbatim to
// API clients.
func (u *User) Validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return errors.New("Name is required")
	}
	if u.Email == "" || !strings.Contains(u.Email, "@") {
		return errors.New("Valid email is required")
	}
	if u.Region == "" {
		return errors.New("Region is required")
	}
	return u.Location.Validate()
}

// Document converts the user to its open-map store form
func (u *User) Document() bson.M {
	return bson.M{
		"user_id":    u.UserID,
		"name":       u.Name,
		"email":      u.Email,
		"region":     u.Region,
		"location":   u.Location.Document(),
		"verified":   u.Verified,
		"reputation": u.Reputation,
		"timestamp":  u.Timestamp,
		"created_at": u.CreatedAt,
	}
}

// UserFromDocument rebuilds a User from its open-map form
func UserFromDocument(doc bson.M) *User {
	u := &User{}
	u.UserID, _ = doc["user_id"].(string)
	u.Name, _ = doc["name"].(string)
	u.Email, _ = doc["email"].(string)
	u.Region, _ = doc["region"].(string)
	if loc, ok := PointFromDocument(doc["location"]); ok {
		u.Location = loc
	}
	u.Verified, _ = doc["verified"].(bool)
	if f, ok := toFloat(doc["reputation"]); ok {
		u.Reputation = int(f)
	}
	if t, ok := ParseTimestamp(doc["timestamp"]); ok {
		u.Timestamp = t
	}
	if t, ok := ParseTimestamp(doc["created_at"]); ok {
		u.CreatedAt = t
	}
	return u
}
