// Package redis provides Redis-backed implementations of the queue's
// coordination ports: distributed task locks on redsync mutexes, the shared
// log buffer on Redis lists, and the worker notification channel on a Redis
// stream with a consumer group.
//
// Everything here is replaceable by the in-process implementations in the
// task package for single-process deployments and tests; the interfaces are
// identical.
package redis
