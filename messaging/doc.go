// Package messaging provides the notification publish and consume paths.
//
// Both the Publisher and the Consumer obtain their channel handle from a
// ChannelProvider (the connection manager) on every operation; neither holds
// its own transport resources. Publishing is fire-and-forget with persistent
// delivery mode and no internal retry: if no connected handle can be
// produced, the caller decides whether to retry, buffer or drop. Consuming
// sets the prefetch bound before subscribing and converts each handler
// outcome into ack or nack-with-requeue.
package messaging
