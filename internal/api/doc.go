// Package api exposes the REST surface for issuing and executing loan
// offers, registering borrower policies and querying the activity feed.
// Every authenticated route resolves the caller's bearer token to an agent
// id before the handler runs.
package api
