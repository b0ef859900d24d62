// Package contracts defines the wire shapes exchanged between the gateway and
// the backend worker services.
//
// An outbound request is an Envelope keyed by domain:
//
//	{"attribute": {"action": "get_attribute_by_name", "body": {"attribute_name": "color"}}}
//
// Each worker answers with its own domain key and a Payload:
//
//	{"attribute": {"success": true, "status_code": 200, "message": [...]}}
//
// A RoutingTag names the domains the broker should fan the envelope out to.
// Envelopes and replies are encoded with a Codec selected by content type;
// JSON is the default and CBOR is available for workers that speak it.
package contracts
