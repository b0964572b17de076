package shoukaku

import (
	"errors"
	"fmt"
)

var (
	// ErrManagerNotReady is returned when a node connect is attempted
	// before the gateway adapter delivered the bot user id.
	ErrManagerNotReady = errors.New("don't connect a node when the manager is not yet ready")

	// ErrNodeDestroyed is returned when a destroyed node is reused.
	// Once a node hits its terminal disconnect it must be re-added.
	ErrNodeDestroyed = errors.New("can't reuse a node instance once it is destroyed, add the node again")

	// ErrNodeNotFound is returned by RemoveNode for an unknown name.
	ErrNodeNotFound = errors.New("the node name specified doesn't exist")

	// ErrNoNodesAvailable is returned when no connected node can serve
	// a join or a player move.
	ErrNoNodesAvailable = errors.New("can't find any nodes to connect on")

	// ErrExistingConnection is returned when a guild already holds a
	// voice connection.
	ErrExistingConnection = errors.New("this guild already has an existing connection")

	// ErrMoveSameNode is returned when a player is moved onto the node
	// it is already bound to.
	ErrMoveSameNode = errors.New("tried to move to the same node the player is connected on")

	// ErrMoveNodeNotConnected is returned when the move target exists
	// but its control channel is not connected.
	ErrMoveNodeNotConnected = errors.New("tried to move to a node that is not connected")

	// ErrMissingSessionID means the voice server update arrived before
	// any state update carried a session id.
	ErrMissingSessionID = errors.New("voice connection not established due to missing session id")

	// ErrMissingEndpoint means the voice server update carried no
	// endpoint to connect to.
	ErrMissingEndpoint = errors.New("voice connection not established due to missing connection endpoint")

	// ErrVoiceTimeout means neither rendezvous outcome arrived within
	// the configured voice connection timeout.
	ErrVoiceTimeout = errors.New("voice connection not established within the configured timeout")
)

// RestError is returned for non-2xx responses from a node's REST API.
type RestError struct {
	// Status is the HTTP status code of the response.
	Status int
	// Message is the optional "message" field of the error body.
	Message string
}

func (e *RestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rest request failed with response code: %d", e.Status)
	}
	return fmt.Sprintf("rest request failed with response code: %d | message: %s", e.Status, e.Message)
}
