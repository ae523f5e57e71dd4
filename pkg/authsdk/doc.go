/*
Package authsdk is a client for credential based authentication servers. It
signs users in, persists the issued tokens, refreshes them before they expire
and exposes the session state to the application.

# Overview

The package is organised around three pieces:

  - Config: the immutable client configuration (base URL, endpoint paths,
    storage backend, lifetimes, cookie attributes, header names)
  - Pipeline: performs calls to the auth server, attaching credentials and
    recovering from a 401 with one shared refresh and one retry
  - Controller: the session state machine used by applications and forms

Build a controller from a config and initialise it to restore any persisted
session:

	cfg, err := authsdk.DefaultConfig().With(
		authsdk.WithBaseURL("https://auth.example.com"),
		authsdk.WithStorage("memory"),
	)
	if err != nil {
		return err
	}

	ctrl, err := authsdk.New(cfg, authsdk.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctrl.Init(ctx)

	user, err := ctrl.Login(ctx, authsdk.Credentials{Email: "a@b.com", Password: "secret"})

# Session states

A controller moves between Anonymous, Authenticating, Authenticated and
Refreshing. State returns a snapshot; State.User is set exactly when the
session is Authenticated or Refreshing, and State.Err holds the last failure.

Logout always tears the local session down, even when the server call fails.
The failure is still returned to the caller.

# Token storage

Config.Storage selects where tokens live:

  - local: a sqlite (default) or bbolt file at Config.StoragePath
  - session: redis keys namespaced by Config.SessionID, or memory when no
    redis URL is configured
  - cookie: cookies in the jar shared with the HTTP client
  - memory: process memory

When Config.StorageSecret is set, every persisted value is encrypted.

# Refresh

With AutoRefresh enabled a background loop checks the token every
RefreshInterval and refreshes once less than RefreshLeadTime remains. A
failed background refresh keeps the session until the token really expires.

Requests that attached credentials and receive a 401 trigger a refresh. All
requests failing at the same moment share a single refresh call, and each is
retried at most once.

# Errors

Every error returned is an *Error carrying a Kind, a machine readable Code,
a Message and, for server responses, the HTTP status:

	if authsdk.IsCode(err, "user_not_found") {
		...
	}

# Metrics

Pass a prometheus.Registerer in Options to export request, refresh and retry
counters and a request duration histogram under the authclient namespace.
*/
package authsdk
