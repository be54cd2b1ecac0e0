package model

// Collections replicated across regions.
const (
	CollectionPosts = "posts"
	CollectionUsers = "users"
)

// idKeys maps a collection name to its application-level identifier field.
var idKeys = map[string]string{
	CollectionPosts: "post_id",
	CollectionUsers: "user_id",
}

// IDKey returns the identifier field name for a collection
func IDKey(collection string) (string, bool) {
	key, ok := idKeys[collection]
	return key, ok
}

// KnownCollection reports whether collection is replicated by this service
func KnownCollection(collection string) bool {
	_, ok := idKeys[collection]
	return ok
}
