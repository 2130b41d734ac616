// Package crawler defines the shared vocabulary of the crawl fleet: the job
// and worker records exchanged through the coordination store, the store and
// collaborator interfaces, and the pure policies (link admission, title
// normalization) every worker applies identically.
package crawler
