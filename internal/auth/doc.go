// Package auth provides authentication and authorisation for the BACnet API.
//
// Clients present HS256 bearer tokens minted with GenerateAccessToken (the
// service binary prints one with -token). Each token carries one of three
// roles (viewer → operator → admin) and the role maps statically to
// permissions, so a request is authorised without any database lookup.
//
// Argon2id hashing protects the ReinitializeDevice password of the local
// virtual device.
package auth
