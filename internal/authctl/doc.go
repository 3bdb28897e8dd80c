// Package authctl implements the operator command line for the auth
// service: bootstrapping the first admin, sending invitations and purging
// expired sessions without going through the HTTP API.
package authctl
