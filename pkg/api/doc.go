// Package api exposes the device trust engine over HTTP.
//
// All routes except login require a bearer session token issued by the identity
// provider. The token's sub claim is the user id and its sid claim the session id.
// Handlers are thin: they decode the request, call one engine operation and render
// the result or the structured error.
package api
