// Package contracts defines what travels over the messaging fabric: the
// message envelope, the routing-key taxonomy, and the few payloads the fabric
// itself produces and consumes.
//
// Every relayed message is wrapped in an Envelope:
//
//	{
//	  "body": {...},
//	  "correlationId": "2f1c6c1e-...",
//	  "details": {"requestTime": "2024-05-01T10:00:00Z", "requestOwner": "server"}
//	}
//
// The correlation id and request time are assigned once, when the envelope is
// created, and survive every relay hop.
package contracts
