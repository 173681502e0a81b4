// Package signaling contains the WebSocket surface that pairs browser peers in
// rooms and relays their SDP offers/answers and ICE candidates.
//
// The server never inspects session descriptions beyond structural decoding;
// accepted relay frames are forwarded to the other room occupants unchanged.
package signaling
