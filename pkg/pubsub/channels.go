package pubsub

import "strings"

// ChannelStreamerLive carries status transitions from workers to API processes.
const ChannelStreamerLive = "status:streamer-live"

// channelToTopic maps a channel name onto a valid Kafka topic name.
//
//	"status:streamer-live" -> "status.streamer-live"
func channelToTopic(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}
