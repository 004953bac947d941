package protocol

// Destination path conventions for a pairing code. The same code appears in
// three places: where devices publish, where private replies land, and the
// broadcast topic carrying membership-change notifications.
const (
	publishPrefix = "/app/remote/"
	replyPrefix   = "/user/topic/remote/"
	topicPrefix   = "/topic/remote/"
)

// PublishPath is the destination devices publish commands to.
func PublishPath(code string) string { return publishPrefix + code }

// ReplyPath is the private per-user reply destination.
func ReplyPath(code string) string { return replyPrefix + code }

// TopicPath is the shared broadcast topic for the code.
func TopicPath(code string) string { return topicPrefix + code }
