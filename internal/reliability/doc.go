// Package reliability holds the redelivery and dead-letter policy applied by
// consumers, plus retry helpers for callers that want to retry
// infrastructure operations such as the initial broker dial.
//
// A message whose handler fails is republished with an incremented
// x-retry-count header until the policy's limit is reached; after that it is
// rejected without requeue so the broker dead-letters it to "<queue>.dlq":
//
//	policy := reliability.NewRedeliveryPolicy(reliability.WithMaxRedeliveries(3))
//	if policy.Decide(delivery.Headers) == reliability.Redeliver {
//	    headers := policy.NextHeaders(delivery.Headers, queue, err)
//	    ...
//	}
package reliability
