// Package interceptors wraps point-to-point message handlers with
// cross-cutting behavior.
//
// A Chain runs its interceptors in the order they were added, the final
// handler last:
//
//	handler := interceptors.NewChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewTimeoutInterceptor(30*time.Second),
//		interceptors.NewDuplicateInterceptor(interceptors.NewMemoryDetector(10*time.Minute)),
//	).Then(finalHandler)
//
//	err := consumer.Consume(ctx, "SCHEDULER", handler)
//
// Returning an error from an interceptor has the same effect as the handler
// failing: the consumer retries or dead-letters the message. Interceptors
// that drop a message on purpose return nil so it is acknowledged.
package interceptors
