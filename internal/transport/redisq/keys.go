// Copyright 2025 James Ross
package redisq

import "fmt"

// keyspace centralizes the {prefix}:* naming spec.md section 4.4
// assigns the Redis transport, grounded on the teacher's
// internal/storage-backends/redis_lists.go key layout.
type keyspace struct {
	prefix string
}

func (k keyspace) job(id string) string           { return fmt.Sprintf("%s:job:%s", k.prefix, id) }
func (k keyspace) waiting(typ string) string       { return fmt.Sprintf("%s:waiting:%s", k.prefix, typ) }
func (k keyspace) active(typ string) string        { return fmt.Sprintf("%s:active:%s", k.prefix, typ) }
func (k keyspace) delayed() string                 { return fmt.Sprintf("%s:delayed", k.prefix) }
func (k keyspace) completed(typ string) string     { return fmt.Sprintf("%s:completed:%s", k.prefix, typ) }
func (k keyspace) failed(typ string) string        { return fmt.Sprintf("%s:failed:%s", k.prefix, typ) }
func (k keyspace) paused(typ string) string        { return fmt.Sprintf("%s:paused:%s", k.prefix, typ) }
func (k keyspace) pausedAll() string               { return fmt.Sprintf("%s:paused:*", k.prefix) }
func (k keyspace) notify(typ string) string        { return fmt.Sprintf("%s:notify:%s", k.prefix, typ) }
func (k keyspace) types() string                   { return fmt.Sprintf("%s:types", k.prefix) }
