package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meshnet/meshnet/internal/config"
	"go.mongodb.org/mongo-driver/bson"
)

// Post is a resource or status message published during a disaster.
// post_id is the stable application-level identifier; the store's own _id is
// never used across regions.
type Post struct {
	PostID       string    `bson:"post_id" json:"post_id"`
	UserID       string    `bson:"user_id" json:"user_id"`
	PostType     string    `bson:"post_type" json:"post_type"`
	Message      string    `bson:"message" json:"message"`
	Location     Point     `bson:"location" json:"location"`
	Region       string    `bson:"region" json:"region"`
	Capacity     *int      `bson:"capacity,omitempty" json:"capacity,omitempty"`
	Timestamp    time.Time `bson:"timestamp" json:"timestamp"`
	LastModified time.Time `bson:"last_modified" json:"last_modified"`
}

// NewPost constructs a post with a fresh id and creation timestamps
func NewPost(userID, postType, message string, location Point, region string, capacity *int) *Post {
	now := Now()
	return &Post{
		PostID:       uuid.New().String(),
		UserID:       userID,
		PostType:     postType,
		Message:      message,
		Location:     location,
		Region:       region,
		Capacity:     capacity,
		Timestamp:    now,
		LastModified: now,
	}
}

// Validate checks required fields and value ranges. Error messages are
// returned verbatim to API clients.
func (p *Post) Validate() error {
	if p.UserID == "" {
		return errors.New("User ID is required")
	}
	if p.PostType == "" {
		return errors.New("Post type is required")
	}
	if !config.ValidatePostType(p.PostType) {
		return errors.New("Post type must be one of: " + strings.Join(config.ValidPostTypes, ", "))
	}
	if strings.TrimSpace(p.Message) == "" {
		return errors.New("Message is required")
	}
	if p.Region == "" {
		return errors.New("Region is required")
	}
	if err := p.Location.Validate(); err != nil {
		return err
	}
	if p.PostType == "shelter" && p.Capacity != nil && *p.Capacity < 0 {
		return errors.New("Capacity must be a non-negative integer")
	}
	return nil
}

// Document converts the post to its open-map store form. Capacity is only
// present for shelters that declared one.
func (p *Post) Document() bson.M {
	doc := bson.M{
		"post_id":       p.PostID,
		"user_id":       p.UserID,
		"post_type":     p.PostType,
		"message":       p.Message,
		"location":      p.Location.Document(),
		"region":        p.Region,
		"timestamp":     p.Timestamp,
		"last_modified": p.LastModified,
	}
	if p.Capacity != nil {
		doc["capacity"] = *p.Capacity
	}
	return doc
}

// PostFromDocument rebuilds a Post from its open-map form
func PostFromDocument(doc bson.M) *Post {
	p := &Post{}
	p.PostID, _ = doc["post_id"].(string)
	p.UserID, _ = doc["user_id"].(string)
	p.PostType, _ = doc["post_type"].(string)
	p.Message, _ = doc["message"].(string)
	p.Region, _ = doc["region"].(string)
	if loc, ok := PointFromDocument(doc["location"]); ok {
		p.Location = loc
	}
	if capVal, ok := doc["capacity"]; ok {
		if f, isNum := toFloat(capVal); isNum {
			c := int(f)
			p.Capacity = &c
		}
	}
	if t, ok := ParseTimestamp(doc["timestamp"]); ok {
		p.Timestamp = t
	}
	if t, ok := ParseTimestamp(doc["last_modified"]); ok {
		p.LastModified = t
	}
	return p
}
