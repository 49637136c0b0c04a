// Package api exposes the REST surface for submitting warehouse query tasks,
// inspecting their lifecycle, and issuing access tokens.
package api
