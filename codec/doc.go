// Package codec serializes message payloads as Borsh, CBOR or JSON.
//
// Payloads that cross the component boundary may carry a multicodec prefix, the
// codec's code as an unsigned varint:
//
//	borsh  0x701   81 0e
//	cbor   0x51    51
//	json   0x0200  80 04
package codec
