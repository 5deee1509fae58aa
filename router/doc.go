// Package router delivers messages between components through the registry.
//
// Four patterns are supported:
//
//	Route / RouteTo   direct delivery to one component
//	Publish           fan-out to every component subscribed to a matching topic
//	Request           direct delivery, then wait for the correlated Respond
//	Respond           completes a pending Request
//
// Topics are dot-separated ("orders.created"). Subscription patterns use "*"
// for one segment and "**" for any number of segments ("orders.**").
// Fan-out deliveries run concurrently with a bound and fail independently.
//
// An AMQPBridge extends Publish across processes through a topic exchange.
package router
