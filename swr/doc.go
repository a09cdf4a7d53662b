// Package swr provides a stale-while-revalidate cache coordinator.
//
// An Engine keeps the last known data for each key and serves it immediately
// to any number of subscribers, while fetching fresh data in the background.
// All subscribers of a key share one cached record and, within the dedup
// window, one in-flight fetch. When a fetch completes, the record is updated
// and every subscriber of the key is notified.
//
// ## Keys
//
// A key is a string, a list of arguments, or a function that returns a key.
// Argument lists that are deeply equal identify the same record. A key that
// is empty, or whose function fails, is absent: nothing is fetched for it and
// its subscribers see an empty record.
//
// ## Revalidation
//
// A key is revalidated when a subscription is created, when Revalidate or
// Mutate is called, when the environment regains focus or reconnects to the
// network, and at the refresh interval if polling is enabled. Focus and
// reconnect revalidations are throttled per subscription, and polling is
// paused while the environment is hidden or offline.
//
// Every new fetch of a key is numbered. When a fetch completes, its result
// is applied only if no newer fetch of the key has started since, and no
// mutation of the key has happened since it started. This way the most
// recently started fetch always wins, regardless of completion order.
//
// ## Errors and Retries
//
// A failed fetch stores its error in the key's record, keeping any cached
// data, and is then retried with exponential backoff. Retries stop after the
// configured retry count, when the environment is hidden, or when a newer
// fetch of the key has started. The retry policy can be replaced.
//
// ## Mutation
//
// Mutate writes data for a key directly into the cache and notifies the
// key's subscribers before returning. It can then revalidate the key to
// confirm the local change.
//
// ## Listeners
//
// Listeners are called synchronously, in subscription order, while the
// engine applies a change. A listener may read snapshots and close
// subscriptions, but must not call Subscribe, Revalidate or Mutate.
// Consumers that prefer channels use Watch, whose channel is buffered
// without bound and so never holds up the engine.
package swr
