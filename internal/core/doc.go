// Package core holds the catalog's domain logic: bulk import, event
// publishing, webhook delivery and the CRUD services around them.
//
// Nothing here knows about HTTP routing or a particular database. Stores are
// reached through [CatalogStore] and [SubscriptionStore]; background work
// travels through a [queue.Queue].
//
// # Bulk Import
//
// An upload flows through two stages:
//
//  1. [Receiver.Receive] stages the body on disk, registers a queued job in
//     the progress store and enqueues an [ImportJob]. The caller gets the job
//     id back immediately.
//  2. A worker runs [Importer.Handle]. The importer counts data rows, then
//     streams the file and calls [CatalogStore.UpsertProducts] once per batch.
//     Progress advances after each committed batch and ends at 100.
//
// Rows without a sku or name are skipped but still count toward progress.
// SKUs compare case-insensitively and the last occurrence in the file wins.
//
// # Events
//
// Every successful product mutation calls the [Publisher], which enqueues one
// [DeliveryJob] per enabled subscription for the event kind. Publishing never
// fails the mutation. The [Dispatcher] consumes delivery jobs, POSTs the
// payload with a timeout and records the outcome on the subscription.
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError]. Each
// category has a code for support reference:
//
//   - DB001-DB007: database errors
//   - VAL001-VAL002: validation errors
//   - FILE001-FILE005: file errors
//   - UPL001-UPL004: upload and queue errors
//   - HOOK001-HOOK003: webhook delivery errors
package core
