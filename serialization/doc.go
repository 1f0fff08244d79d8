// Package serialization turns envelopes into bytes and back, and maps
// destinations (queue names or routing-key patterns) to the concrete payload
// types expected on them.
package serialization
