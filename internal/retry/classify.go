package retry

import (
	"errors"
	"strings"
)

// transientSignatures are lowercase fragments of errors that typically clear on retry.
// Chromium surfaces network failures as net::ERR_* strings from inside the page.
var transientSignatures = []string{
	"econnreset",
	"connection reset",
	"econnrefused",
	"connection refused",
	"etimedout",
	"timeout",
	"timed out",
	"deadline exceeded",
	"enotfound",
	"no such host",
	"eai_again",
	"socket hang up",
	"fetch failed",
	"failed to fetch",
	"network is unreachable",
	"net::err_connection",
	"net::err_timed_out",
	"net::err_name_not_resolved",
	"net::err_internet_disconnected",
	"net::err_network_changed",
}

// Temporary lets typed errors opt into (or out of) retries without string matching.
type Temporary interface {
	Temporary() bool
}

// IsTransient reports whether err looks like a transient network failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var t Temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
