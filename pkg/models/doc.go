// Package models defines the record addressing types shared by the cache,
// the transport and the listener.
//
// Every id that enters the system is normalized with [ExtractID] to a
// canonical lowercase UUID before it is used as a cache key.
package models
