package serverlist

import "errors"

var (
	// ErrServerNotFound indicates a server id that is absent from the list
	// or carries a stale generation number.
	ErrServerNotFound = errors.New("server id is not in the server list")

	// ErrServerNotUp is how update senders report that the target refused
	// an update because it is no longer up. The dissemination loop treats
	// it as success for bookkeeping purposes.
	ErrServerNotUp = errors.New("target server is no longer up")
)

var (
	errNoLogConfigured    = errors.New("a replicated log must be provided")
	errNoSenderConfigured = errors.New("an update sender must be provided")
)
