package telemetry

import "strings"

const (
	topicPrefix     = "/sys/"
	postSuffix      = "/thing/property/post"
	replyTopicExtra = "_reply"
)

// PostTopic is the topic property posts are published on.
func PostTopic(clientID, productID string) string {
	return topicPrefix + clientID + "/" + productID + postSuffix
}

// ReplyTopic is the topic the broker acknowledges property posts on.
func ReplyTopic(clientID, productID string) string {
	return PostTopic(clientID, productID) + replyTopicExtra
}

// ParsePostTopic extracts the client and product ids from a post topic.
func ParsePostTopic(topic string) (clientID, productID string, ok bool) {
	if !strings.HasPrefix(topic, topicPrefix) || !strings.HasSuffix(topic, postSuffix) {
		return "", "", false
	}
	ids := strings.TrimSuffix(strings.TrimPrefix(topic, topicPrefix), postSuffix)
	clientID, productID, found := strings.Cut(ids, "/")
	if !found || clientID == "" || productID == "" || strings.Contains(productID, "/") {
		return "", "", false
	}
	return clientID, productID, true
}
