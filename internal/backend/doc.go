// Package backend keeps local mirrors of the services that own device and
// charging state.
//
// # Components
//
//   - Transport: the narrow boundary to one backend service. It reports
//     availability (registered/unregistered), pushes added/removed/changed
//     signals and answers a bulk query.
//   - DBusTransport: Transport over the system or session bus. Availability
//     comes from org.freedesktop.DBus.NameOwnerChanged; variants in replies
//     and signals are unwrapped into plain Go values.
//   - Client: owns the mirror for one backend.
//
// # Mirror lifecycle
//
// Client.Run processes every transport signal on one goroutine and is the only
// writer of the mirror. When the backend registers, the client performs a full
// refresh before it applies any push signal, so readers never see a
// half-initialised mirror. A failed refresh is retried with exponential backoff
// while the backend stays registered.
//
// On unregistration, or when the transport's Watch fails, the mirror is cleared
// and one EventRemoved is published per entry. Consumers must treat those
// entities as gone.
//
// # Queries
//
// Query fails fast with ErrBackendUnavailable while the backend is down and
// wraps transport failures in ErrQueryFailed. QueryAsync runs the query with a
// deadline and invokes its callback exactly once.
package backend
