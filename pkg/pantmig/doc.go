/*
Package pantmig provides the client SDK for the PantMig recycling
marketplace: REST API access, session lifecycle management and the plumbing
that keeps credentials fresh across every consumer of them.

# Client vs SessionManager

The package is organized around two main types:

  - Client: raw API access. Unauthenticated against the public auth
    endpoints, or authenticated end to end when built with
    NewAuthenticatedClient.
  - SessionManager: owns the session state, schedules proactive token
    refresh, and coordinates with other client contexts through a
    broadcast.Broadcaster.

Typical wiring:

	store, err := credstore.NewSQLite("pantmig.db")
	bus := broadcast.New(os.Getenv("PANTMIG_BUS_URL"))

	manager := pantmig.NewSessionManager("https://api.pantmig.example", store, bus, logger)
	defer manager.Close()

	if err := manager.Rehydrate(ctx); err != nil {
		// fail-closed: the manager has already logged out
	}

	result, err := manager.Login(ctx, "donor@example.com", "secret")
	if err != nil {
		return err // transport problem
	}
	if result.ErrorMessage != "" {
		// expected rejection, show to the user
	}

	api := manager.API() // authenticated client for everything else

# Token refresh

Access tokens are refreshed three ways, all funnelled through one
single-flight Refresher so at most one exchange is ever in flight per
process:

  - proactively, by the manager's timer 60s before expiry
  - pre-emptively, by the AuthTransport when a request finds the token
    within 30s of expiry
  - reactively, by the AuthTransport after a 401, with exactly one replay

Other contexts sharing the credential store learn about new tokens over the
broadcaster and never need their own exchange.

# Push notifications

The notification subsystem lives in the notify package; SessionManager
implements notify.TokenSource and the authenticated Client implements
notify.SnapshotFetcher and notify.ReadMarker, so wiring the channel is:

	notifStore := notify.NewStore(logger)
	channel := notify.NewChannelClient(wsURL, manager, api, notifStore, logger)
	go channel.Run(ctx)
	defer channel.Close()
*/
package pantmig
