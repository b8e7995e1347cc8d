// Package dispatch serializes updates from concurrent producers onto a single
// consumption goroutine. It offers an immediate path for latency-sensitive
// updates and a tick-driven, capacity-capped deferred path for producers that
// would otherwise flood the consumer.
package dispatch
