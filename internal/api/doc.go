// Package api hosts the HTTP handlers that front the channel hub and the key
// lifecycle manager.
//
// Handlers are assembled around small interfaces so the hub, the key manager
// and the token authority can be replaced by fakes in tests. Control routes
// (lifecycle, policy, rotation, token issuance) require the shared control
// bearer token; viewer routes require a playback token scoped to the channel
// in the path.
//
// Handlers assume upstream middleware from internal/server has already applied
// request ids, logging, metrics and rate limiting. Error bodies always carry a
// stable reason code and never the underlying cause.
package api
