// Package webhook accepts robot commands over HMAC-SHA256 signed HTTP POSTs.
//
// It serves decoders that push commands without holding the API bearer
// token, such as a headset bridge on the local network. Each endpoint has its
// own shared secret and may be restricted to a subset of channels.
//
// # Request Flow
//
//  1. HTTP POST arrives at a configured path
//  2. Body size checked (413 if too large)
//  3. HMAC-SHA256 of the body compared in constant time (403 on mismatch)
//  4. Body split into lines; each non-blank line is one command
//  5. Every line routed first; a disallowed channel rejects the whole body (403)
//  6. Lines submitted in order; 202 lists the queued command IDs
//
// Lines with an unknown prefix are counted as unrouted and otherwise ignored,
// matching the dispatcher.
//
// # Configuration
//
//	webhooks:
//	  enabled: true
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /ingress/headset
//	      secret: ${HEADSET_SECRET}
//	      signature_header: X-Bcibot-Signature
//	      max_body_size: 64KB
//	      channels: [move, gripper]
package webhook
