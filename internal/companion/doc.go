// Package companion bridges to the out-of-process service that knows about
// data connectivity, roaming, APNs and downloaded ephemeris.
//
// The companion connects to a unix socket. Inbound frames are a big-endian
// uint16 length followed by TAG:value text; outbound frames are one command
// byte, one length byte and the payload.
package companion
