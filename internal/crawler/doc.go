// Package crawler defines the shared vocabulary of the crawl engine: jobs,
// documents, stats, status updates, the protocol messages exchanged between
// components and the capability interfaces (fetching, blob storage,
// publishing, time) the engine depends on.
package crawler
