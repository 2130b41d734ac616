package redis

import "strings"

// DefaultPrefix namespaces every key the store touches.
const DefaultPrefix = "crawler"

type keySpace struct {
	prefix string
}

func newKeySpace(prefix string) keySpace {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return keySpace{prefix: prefix}
}

func (k keySpace) key(parts ...string) string {
	return k.prefix + ":" + strings.Join(parts, ":")
}

func (k keySpace) queue() string                { return k.key("queue") }
func (k keySpace) visited() string              { return k.key("visited") }
func (k keySpace) activeWorkers() string        { return k.key("active_workers") }
func (k keySpace) stats() string                { return k.key("stats") }
func (k keySpace) title(digest string) string   { return k.key("title_hash", digest) }
func (k keySpace) counter(name string) string   { return k.key("counter", name) }
func (k keySpace) heartbeat(id string) string   { return k.key("worker_heartbeat", id) }
func (k keySpace) result(digest string) string  { return k.key("results", digest) }
func (k keySpace) pattern(family string) string { return k.key(family, "*") }
